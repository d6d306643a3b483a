package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "mediaforged/configs"
	"mediaforged/pkg/api"
	"mediaforged/pkg/command"
	"mediaforged/pkg/executor"
	"mediaforged/pkg/executor/runner"
	"mediaforged/pkg/logger"
	"mediaforged/pkg/observability"
	"mediaforged/pkg/storage"
	"mediaforged/pkg/storage/postgres"
	"mediaforged/pkg/storage/redis"
)

const serviceName = "mediaforged"

func main() {
	cfg := config.LoadConfig()

	if _, err := logger.Init(logger.DefaultConfig(serviceName)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Tracing
	tcfg := observability.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.OTLPEndpoint != ""
	if tcfg.Enabled {
		tcfg.Endpoint = cfg.OTLPEndpoint
	}
	tracer, err := observability.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// Job ledger
	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
	store, err := postgres.NewPostgresStore(connStr)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	logger.Info("postgres connected")

	// Outcome cache; the API degrades to ledger-only reads without it
	var cache storage.OutcomeCache
	redisAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	if rc, err := redis.NewOutcomeCache(redisAddr); err != nil {
		logger.Warn("redis unavailable, outcome caching disabled", zap.Error(err))
	} else {
		defer rc.Close()
		cache = rc
		logger.Info("redis connected")
	}

	// Diagnostic log archive: S3 when configured, local disk otherwise
	var logStore storage.LogStore
	if cfg.S3Bucket != "" {
		s3Store, err := storage.NewS3LogStore(storage.S3LogStoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			logger.Fatal("failed to initialize s3 log store", zap.Error(err))
		}
		logStore = s3Store
		logger.Info("s3 log store initialized", zap.String("bucket", cfg.S3Bucket))
	} else {
		localStore, err := storage.NewLocalLogStore(cfg.LogDir)
		if err != nil {
			logger.Fatal("failed to initialize local log store", zap.Error(err))
		}
		logStore = localStore
		logger.Info("local log store initialized", zap.String("dir", cfg.LogDir))
	}

	// Execution core
	builder := command.NewBuilder(command.Config{
		FFmpegPath:  cfg.FFmpegPath,
		AllowedRoot: cfg.AllowedInputRoot,
	})
	classifier, err := executor.NewClassifier(cfg.TransientExitCodes, cfg.TransientErrorPatterns)
	if err != nil {
		logger.Fatal("invalid transient error patterns", zap.Error(err))
	}
	pool := executor.NewPool(executor.Config{
		Capacity:       cfg.WorkerCapacity,
		QueueCapacity:  cfg.QueueCapacity,
		DefaultTimeout: cfg.DefaultTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		KillGrace:      cfg.KillGracePeriod,
		CaptureLimit:   cfg.CaptureLimit,
	}, builder, runner.NewFFmpegRunner(), classifier)
	pool.Start()

	// Hourly retention sweep over the ledger and log archive
	janitor := storage.NewJanitor(store, logStore, cfg.RetentionAge)
	if err := janitor.Start(); err != nil {
		logger.Fatal("failed to start retention janitor", zap.Error(err))
	}

	server := api.NewServer(api.Config{
		Port:          cfg.APIPort,
		ServiceName:   serviceName,
		MaxInputBytes: cfg.MaxInputBytes,
		MaxTimeout:    cfg.MaxTimeout,
		JobStore:      store,
		Cache:         cache,
		LogStore:      logStore,
		Pool:          pool,
		Builder:       builder,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("port", cfg.APIPort))

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	// Stop intake first, then drain the pool. In-flight transcodes are
	// terminated and their outcomes recorded before exit.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	janitor.Stop()
	pool.Stop()

	logger.Info("shutdown complete")
}
