package delivery

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kms-connect/backend/config"
	"kms-connect/backend/internal/model"
)

// LaneConfig 单渠道并发上限与速率
type LaneConfig struct {
	Workers    int
	RatePerSec int
}

// PoolConfig 工作池配置
type PoolConfig struct {
	QueueSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
	// Lanes 异步渠道；已注册处理器但未配置 lane 的渠道在 Submit 中同步执行
	Lanes map[model.Channel]LaneConfig
}

// NewPoolConfig 由应用配置构造工作池配置
func NewPoolConfig(cfg *config.DeliveryConfig) PoolConfig {
	return PoolConfig{
		QueueSize:      cfg.QueueSize,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		AttemptTimeout: cfg.AttemptTimeout,
		Lanes: map[model.Channel]LaneConfig{
			model.ChannelEmail: {Workers: cfg.Email.Workers, RatePerSec: cfg.Email.RatePerSec},
			model.ChannelPush:  {Workers: cfg.Push.Workers, RatePerSec: cfg.Push.RatePerSec},
		},
	}
}

// Backoff 第 attempt 次失败后的等待时间：min(base·2^(attempt-1), max)
func (c PoolConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.BackoffMax > 0 && d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if c.BackoffMax > 0 && d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

type lane struct {
	channel model.Channel
	jobs    chan Job
	limiter *rate.Limiter
	workers int
}

// WorkerPool 按渠道划分的投递工作池
// 每个渠道独立队列、独立 worker 数与限速器，慢渠道不会占用其他渠道的容量
type WorkerPool struct {
	cfg      PoolConfig
	handlers map[model.Channel]Handler
	lanes    map[model.Channel]*lane
	reporter Reporter
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	timers  map[*time.Timer]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool 创建工作池，需调用 Start 启动 worker
func NewWorkerPool(cfg PoolConfig, reporter Reporter, logger *zap.Logger, handlers ...Handler) *WorkerPool {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		cfg:      cfg,
		handlers: make(map[model.Channel]Handler, len(handlers)),
		lanes:    make(map[model.Channel]*lane, len(cfg.Lanes)),
		reporter: reporter,
		logger:   logger,
		timers:   make(map[*time.Timer]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, h := range handlers {
		p.handlers[h.Channel()] = h
	}
	for ch, lc := range cfg.Lanes {
		if _, ok := p.handlers[ch]; !ok {
			continue
		}
		workers := lc.Workers
		if workers <= 0 {
			workers = 1
		}
		limit := rate.Inf
		burst := workers
		if lc.RatePerSec > 0 {
			limit = rate.Limit(lc.RatePerSec)
			burst = lc.RatePerSec
		}
		p.lanes[ch] = &lane{
			channel: ch,
			jobs:    make(chan Job, cfg.QueueSize),
			limiter: rate.NewLimiter(limit, burst),
			workers: workers,
		}
	}
	return p
}

// Start 启动各渠道 worker
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for _, l := range p.lanes {
		for i := 0; i < l.workers; i++ {
			p.wg.Add(1)
			go p.worker(l)
		}
		p.logger.Info("投递渠道已启动",
			zap.String("channel", string(l.channel)),
			zap.Int("workers", l.workers),
			zap.Float64("rate_per_sec", float64(l.limiter.Limit())),
		)
	}
}

// Submit 提交投递任务；队列满时阻塞直到有空位、ctx 结束或工作池停止
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	if p.isStopped() {
		return ErrPoolStopped
	}
	h, ok := p.handlers[job.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Channel)
	}

	l, ok := p.lanes[job.Channel]
	if !ok {
		p.runInline(ctx, h, job)
		return nil
	}

	select {
	case l.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Stop 停止接收新任务，取消待重试定时器并等待 worker 退出
// 队列中未执行的任务在数据库中仍为 pending，下次启动时续传
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("投递工作池已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待投递 worker 退出超时: %w", ctx.Err())
	}
}

// QueueDepth 返回指定渠道当前排队任务数
func (p *WorkerPool) QueueDepth(ch model.Channel) int {
	if l, ok := p.lanes[ch]; ok {
		return len(l.jobs)
	}
	return 0
}

func (p *WorkerPool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// ────────────────────── worker ──────────────────────

func (p *WorkerPool) worker(l *lane) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-l.jobs:
			if err := l.limiter.Wait(p.ctx); err != nil {
				return
			}
			p.process(p.handlers[l.channel], job)
		}
	}
}

func (p *WorkerPool) process(h Handler, job Job) {
	job.Attempt++
	res := p.attempt(h, job)

	if res.Success || !res.Retryable || job.Attempt >= p.cfg.MaxAttempts {
		p.finish(job, res)
		return
	}

	delay := p.cfg.Backoff(job.Attempt)
	p.logger.Warn("投递失败，等待重试",
		zap.String("notification_id", job.NotificationID),
		zap.String("channel", string(job.Channel)),
		zap.Int("attempt", job.Attempt),
		zap.Duration("backoff", delay),
		zap.Error(res.Err),
	)
	p.scheduleRetry(job, delay)
}

// attempt 执行单次投递，超时受 AttemptTimeout 约束，panic 视为可重试失败
func (p *WorkerPool) attempt(h Handler, job Job) (res Result) {
	ctx := context.Background()
	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("投递处理器 panic",
				zap.String("notification_id", job.NotificationID),
				zap.String("channel", string(job.Channel)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = Retry(fmt.Errorf("投递处理器 panic: %v", r))
		}
	}()

	return h.Deliver(ctx, job)
}

func (p *WorkerPool) scheduleRetry(job Job, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}
		delete(p.timers, t)
		p.mu.Unlock()

		l := p.lanes[job.Channel]
		select {
		case l.jobs <- job:
		case <-p.ctx.Done():
		}
	})
	p.timers[t] = struct{}{}
}

func (p *WorkerPool) runInline(ctx context.Context, h Handler, job Job) {
	job.Attempt++
	res := p.attempt(h, job)
	p.report(ctx, job, res)
}

func (p *WorkerPool) finish(job Job, res Result) {
	if !res.Success {
		p.logger.Error("投递最终失败",
			zap.String("notification_id", job.NotificationID),
			zap.String("channel", string(job.Channel)),
			zap.Int("attempt", job.Attempt),
			zap.Bool("retryable", res.Retryable),
			zap.Error(res.Err),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.report(ctx, job, res)
}

func (p *WorkerPool) report(ctx context.Context, job Job, res Result) {
	if p.reporter == nil {
		return
	}
	p.reporter.Report(ctx, job, res)
}
