package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"ojexec/internal/common/cache"
	"ojexec/internal/common/db"
	"ojexec/internal/common/mq"
	"ojexec/internal/executor/controller"
	"ojexec/internal/executor/queue"
	"ojexec/internal/executor/ratelimit"
	"ojexec/internal/executor/repository"
	"ojexec/internal/executor/service"
	"ojexec/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the queue workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	appCfg, err := loadAppConfig(configPath, envFile)
	if err != nil {
		return fmt.Errorf("load app config failed: %w", err)
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	gin.SetMode(gin.ReleaseMode)
	ctx := context.Background()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(ctx, "init redis failed", zap.Error(err))
		return err
	}
	defer func() {
		_ = redisCache.Close()
	}()

	stack, err := buildSandbox(ctx, appCfg.Sandbox)
	if err != nil {
		logger.Error(ctx, "init sandbox failed", zap.Error(err))
		return err
	}
	defer stack.Close()

	cfg := service.Config{
		Queues:               queue.NewManager(queue.NewRedisStore(redisCache, appCfg.Queue.KeyPrefix), appCfg.Queue.Queues),
		Coordinator:          service.NewCoordinator(stack.engine),
		Limiter:              ratelimit.NewLimiter(redisCache, appCfg.RateLimit),
		Verdicts:             repository.NewVerdictRepository(redisCache, appCfg.Verdict.TTL),
		TrackerMaxAge:        appCfg.Tracker.MaxAge,
		TrackerSweepInterval: appCfg.Tracker.SweepInterval,
		SideEffectTimeout:    appCfg.Verdict.Timeout,
	}
	if stack.docker != nil {
		cfg.Sandbox = stack.docker
	}

	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka)
		if err != nil {
			logger.Error(ctx, "init kafka failed", zap.Error(err))
			return err
		}
		defer func() {
			_ = producer.Close()
		}()
		cfg.Publisher = repository.NewMQVerdictPublisher(producer, appCfg.Verdict.Topic)
	}

	if appCfg.Verdict.Archive {
		mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
		if err != nil {
			logger.Error(ctx, "init database failed", zap.Error(err))
			return err
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		archive := repository.NewMySQLVerdictArchive(mysqlDB)
		if err := archive.EnsureSchema(ctx); err != nil {
			logger.Error(ctx, "ensure verdict schema failed", zap.Error(err))
			return err
		}
		cfg.Archive = archive
	}

	svc, err := service.NewService(cfg)
	if err != nil {
		logger.Error(ctx, "init execution service failed", zap.Error(err))
		return err
	}
	if err := svc.Start(); err != nil {
		logger.Error(ctx, "start queue workers failed", zap.Error(err))
		return err
	}

	router := controller.NewRouter(controller.RouterConfig{
		Execution: controller.NewExecutionController(svc, appCfg.Server.StreamInterval),
		Admin:     controller.NewAdminController(svc),
		Admitter:  svc,
		CORS:      appCfg.CORS,
	})
	httpServer := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "execution http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	closeCtx, cancel := context.WithTimeout(ctx, appCfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(closeCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if err := svc.Close(closeCtx); err != nil {
		logger.Error(ctx, "queue drain incomplete", zap.Error(err))
	}
	logger.Info(ctx, "execution service stopped")
	return nil
}
