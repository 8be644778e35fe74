package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailzen/syncd/internal/cache"
	"mailzen/syncd/internal/config"
	"mailzen/syncd/internal/health"
	"mailzen/syncd/internal/logger"
	"mailzen/syncd/internal/monitoring"
	"mailzen/syncd/internal/pool"
	"mailzen/syncd/internal/provider"
	"mailzen/syncd/internal/service"
	"mailzen/syncd/internal/storage"
	"mailzen/syncd/internal/storage/memory"
	"mailzen/syncd/internal/storage/postgres"
	redisstore "mailzen/syncd/internal/storage/redis"
	httptransport "mailzen/syncd/internal/transport/http"
)

// main 启动入站同步协调器与 SLA 告警服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.FromConfig(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailzen syncd",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = initializeDatabaseStorage(cfg, log)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		// 内存存储仅用于开发环境
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer func() { _ = store.Close() }()

	// Redis 作为消息标识 L2 缓存，连接失败时退回进程内缓存
	var redisClient *redisstore.Client
	var messageIDCache storage.MessageIDCache
	if cfg.Redis.Enabled {
		redisClient, err = redisstore.New(&cfg.Redis, log)
		if err != nil {
			log.Warn("redis unavailable, falling back to local message-id cache", zap.Error(err))
		}
	}
	if redisClient != nil {
		messageIDCache = redisstore.NewMessageIDCache(redisClient, cfg.Sync.MessageIDCacheTTL, log)
		defer func() { _ = redisClient.Close() }()
	} else {
		messageIDCache = cache.NewLocalMessageIDCache(cfg.Sync.MessageIDCacheTTL)
	}

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, redisClient, log)

	// 初始化服务层
	verifier := service.NewSignatureVerifier(cfg.Webhook.SigningKey, cfg.Webhook.ReplayWindow)
	ingestor := service.NewIngestor(store, messageIDCache, log)
	leases := service.NewLeaseManager(store, cfg.Sync.LeaseTTL, log)
	recorder := service.NewRunRecorder(store, log)
	classifier := service.NewIncidentClassifier(store, log)
	trends := service.NewTrendAggregator(store)

	var notifier service.Notifier = service.NewLogNotifier(log)
	if cfg.Alerting.NotifyWebhookURL != "" {
		notifier = service.NewWebhookNotifier(cfg.Alerting.NotifyWebhookURL, 10*time.Second, notifier)
		log.Info("alert notifications via webhook", zap.String("url", cfg.Alerting.NotifyWebhookURL))
	}
	dispatcher := service.NewAlertDispatcher(
		store,
		notifier,
		time.Duration(cfg.Alerting.CooldownMinutes)*time.Minute,
		log,
	)

	providerClient := provider.NewHTTPClient(provider.Options{
		BaseURL:           cfg.Sync.ProviderBaseURL,
		APIKey:            cfg.Sync.ProviderAPIKey,
		RequestTimeout:    cfg.Sync.RequestTimeout,
		MaxRetries:        cfg.Sync.MaxRetries,
		RetryBackoff:      cfg.Sync.RetryBackoff,
		RequestsPerSecond: cfg.Sync.ProviderRateLimit,
	}, log)

	workers := pool.NewWorkerPool(cfg.Sync.WorkerCount, cfg.Sync.WorkerCount*2, log, metrics.RecordPanic)
	coordinator := service.NewSyncCoordinator(store, leases, ingestor, recorder, providerClient, workers, metrics, cfg.Sync, log)
	monitor := service.NewSLAMonitor(store, classifier, dispatcher, metrics, cfg.Alerting, log)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Coordinator:   coordinator,
		Ingestor:      ingestor,
		Verifier:      verifier,
		Classifier:    classifier,
		Trends:        trends,
		Monitor:       monitor,
		Store:         store,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 同步调度循环 goroutine
	group.Go(func() error {
		if err := coordinator.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sync coordinator error", zap.Error(err))
			return err
		}
		return nil
	})

	// SLA 告警评估循环 goroutine
	group.Go(func() error {
		if err := monitor.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sla monitor error", zap.Error(err))
			return err
		}
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited with error", zap.Error(err))
	}
	log.Info("mailzen syncd stopped")
}

// initializeDatabaseStorage 按配置类型初始化数据库存储
func initializeDatabaseStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	log.Info("initializing database storage", zap.String("database_type", cfg.Database.Type))

	switch cfg.Database.Type {
	case "postgres":
		return postgres.NewStore(cfg.Database.DSN)
	case "mysql":
		return postgres.NewMySQLStore(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
}
