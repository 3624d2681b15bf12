// Package scheduler 周期扫描到期的定时广播并触发发送。
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"kms-connect/backend/config"
)

// sweepTimeout 单次扫描的最长执行时间
const sweepTimeout = 2 * time.Minute

// DueSender 发送已到期定时广播，由 service.BroadcastService 实现
type DueSender interface {
	SendDue(ctx context.Context, now time.Time) (int, error)
}

// Scheduler 基于 cron 的定时广播扫描器
// 上一次扫描未结束时跳过本次触发
type Scheduler struct {
	cron   *cron.Cron
	sender DueSender
	logger *zap.Logger
	now    func() time.Time
}

// New 创建 Scheduler，SweepSpec 支持标准 5 段表达式与 @every 描述符
func New(cfg *config.SchedulerConfig, sender DueSender, logger *zap.Logger) (*Scheduler, error) {
	spec := cfg.SweepSpec
	if spec == "" {
		spec = "@every 30s"
	}

	cl := cronLogger{s: logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		sender: sender,
		logger: logger,
		now:    time.Now,
	}

	if _, err := s.cron.AddFunc(spec, s.Sweep); err != nil {
		return nil, fmt.Errorf("注册定时扫描失败 (%s): %w", spec, err)
	}
	return s, nil
}

// Start 启动扫描
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("定时广播扫描已启动")
}

// Stop 停止调度并等待正在执行的扫描结束
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info("定时广播扫描已停止")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep 执行一次到期扫描
func (s *Scheduler) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	sent, err := s.sender.SendDue(ctx, s.now())
	if err != nil {
		s.logger.Error("定时广播扫描失败", zap.Error(err))
		return
	}
	if sent > 0 {
		s.logger.Info("定时广播已触发发送", zap.Int("count", sent))
	}
}

// cronLogger 将 cron 内部日志桥接到 zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
