package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kms-connect/backend/config"
	"kms-connect/backend/internal/api/handler"
	"kms-connect/backend/internal/api/router"
	"kms-connect/backend/internal/delivery"
	"kms-connect/backend/internal/model"
	"kms-connect/backend/internal/repository"
	"kms-connect/backend/internal/scheduler"
	"kms-connect/backend/internal/service"
	"kms-connect/backend/pkg/database"
	"kms-connect/backend/pkg/jwt"
	applogger "kms-connect/backend/pkg/logger"
	"kms-connect/backend/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	// 0. 本地开发时加载 .env（文件不存在时忽略）
	_ = godotenv.Load()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	logger, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.Int("port", cfg.Server.Port),
		zap.String("log_level", cfg.Log.Level),
	)

	// 3. 连接数据库
	db, err := database.NewDB(&cfg.Database, cfg.Log.Level, logger)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	logger.Info("数据库连接成功")

	// 3.1 执行数据库迁移
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层 sql.DB 失败", zap.Error(err))
	}
	if err := database.RunMigrations(sqlDB, logger); err != nil {
		logger.Fatal("数据库迁移失败", zap.Error(err))
	}

	// 4. 连接 Redis（可选：连接失败时降级运行，不中断启动）
	var rdb *redis.Client
	rdb, err = redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis 连接失败，黑名单、限流与未读缓存将不可用", zap.Error(err))
		rdb = nil
	}

	// 5. 初始化 JWT 管理器
	jwtMgr := jwt.NewManager(&cfg.Auth)

	// 6. 投递渠道
	repo := repository.NewRepository(db)

	var pushProvider delivery.PushProvider
	if cfg.Firebase.Enabled {
		fcm, err := delivery.NewFCMProvider(context.Background(), &cfg.Firebase)
		if err != nil {
			logger.Fatal("初始化 FCM 失败", zap.Error(err))
		}
		pushProvider = fcm
	} else {
		logger.Warn("未启用 FCM，推送渠道投递将失败")
	}

	handlers := []delivery.Handler{
		delivery.NewInAppHandler(),
		delivery.NewEmailHandler(delivery.NewSMTPMailer(&cfg.Mail), cfg.Server.BaseURL, cfg.Mail.FromName),
		delivery.NewPushHandler(pushProvider, repo.DeviceToken, logger),
	}

	// 7. 工作池 → Service → Handler
	reporter := service.NewDeliveryReporter(repo, logger)
	pool := delivery.NewWorkerPool(delivery.NewPoolConfig(&cfg.Delivery), reporter, logger, handlers...)
	pool.Start()

	svc := service.NewService(cfg, repo, pool, rdb, logger)
	h := handler.NewHandler(svc)

	// 7.1 恢复上次中断的发送
	if n, err := svc.Broadcast.Resume(context.Background()); err != nil {
		logger.Error("恢复发送中广播失败", zap.Error(err))
	} else if n > 0 {
		logger.Info("已恢复发送中广播", zap.Int("count", n))
	}

	// 8. 定时广播扫描
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(&cfg.Scheduler, svc.Broadcast, logger)
		if err != nil {
			logger.Fatal("初始化定时任务失败", zap.Error(err))
		}
		sched.Start()
	}

	// 9. 初始化路由
	engine, err := router.Setup(cfg, h, jwtMgr, rdb, logger)
	if err != nil {
		logger.Fatal("初始化路由失败", zap.Error(err))
	}

	// 10. 启动 HTTP 服务器（优雅关闭）
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP 服务器异常", zap.Error(err))
		}
	}()

	// 11. 监听系统信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("收到关闭信号，开始优雅关闭...", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	if sched != nil {
		if err := sched.Stop(ctx); err != nil {
			logger.Warn("定时任务未能按时停止", zap.Error(err))
		}
	}

	// 先停止入队协程，再排空工作池
	svc.Broadcast.Stop()
	logger.Info("排空投递队列",
		zap.Int("email_queued", pool.QueueDepth(model.ChannelEmail)),
		zap.Int("push_queued", pool.QueueDepth(model.ChannelPush)),
	)
	if err := pool.Stop(ctx); err != nil {
		logger.Warn("投递队列未排空，剩余任务将在下次启动时恢复", zap.Error(err))
	}

	// 关闭数据库连接
	if sqlDB != nil {
		sqlDB.Close()
	}

	// 关闭 Redis 连接
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("服务器已关闭")
}
