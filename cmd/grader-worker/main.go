package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"corrector/internal/common/lock"
	"corrector/internal/common/mq"
	"corrector/internal/common/storage"
	refcache "corrector/internal/grader/cache"
	"corrector/internal/grader/sandbox"
	"corrector/internal/grader/sandbox/engine"
	"corrector/internal/grader/service"
	"corrector/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grader_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(2)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(2)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "grader worker stopped", logger.Err(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := service.NewCatalog(appCfg.Checks)
	if err != nil {
		return fmt.Errorf("load check catalog failed: %w", err)
	}

	var objStorage storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		if bucket := appCfg.Results.LogBucket; bucket != "" {
			if err := minioStorage.EnsureBucket(ctx, bucket); err != nil {
				return err
			}
		}
		objStorage = minioStorage
	}

	var references service.ReferenceResolver
	if appCfg.needsPacks() {
		if objStorage == nil {
			return fmt.Errorf("reference packs need minio")
		}
		if appCfg.Redis.Addr == "" {
			return fmt.Errorf("reference packs need redis")
		}
		locker, err := lock.NewRedisLocker(ctx, appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() {
			_ = locker.Close()
		}()
		references = refcache.NewReferenceCache(appCfg.Cache, objStorage, locker)
	}

	eng, err := engine.New(appCfg.Sandbox.Engine)
	if err != nil {
		return fmt.Errorf("init sandbox engine failed: %w", err)
	}
	if docker, ok := eng.(*engine.DockerEngine); ok {
		defer func() {
			_ = docker.Close()
		}()
		if err := docker.Prepare(ctx); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(appCfg.Sandbox.WorkRoot, 0o755); err != nil {
		return fmt.Errorf("create work root failed: %w", err)
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		return fmt.Errorf("init kafka failed: %w", err)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	graderSvc, err := service.NewService(service.Config{
		Executor:       sandbox.NewExecutor(appCfg.Sandbox, eng),
		Catalog:        catalog,
		Publisher:      service.NewMQResultPublisher(mqClient, appCfg.Kafka.ResultsTopic),
		References:     references,
		Storage:        objStorage,
		LogBucket:      appCfg.Results.LogBucket,
		MaxFileBytes:   appCfg.Source.MaxFileBytes,
		Exclude:        appCfg.Source.Exclude,
		Compress:       appCfg.Source.Compress,
		JobTimeout:     appCfg.Worker.JobTimeout,
		StorageTimeout: appCfg.Source.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init grader service failed: %w", err)
	}

	logger.Info(ctx, "grader worker started",
		zap.String("topic", appCfg.Kafka.JobsTopic),
		zap.Int("checks", len(catalog)),
		zap.Int("pool_size", appCfg.Worker.PoolSize),
		zap.String("engine", appCfg.Sandbox.Engine.Kind),
	)

	if err := mqClient.Consume(ctx, appCfg.Kafka.JobsTopic, graderSvc.HandleMessage, appCfg.Kafka.consumeOptions(appCfg.Worker.PoolSize)); err != nil {
		return fmt.Errorf("consume %s failed: %w", appCfg.Kafka.JobsTopic, err)
	}
	logger.Info(context.Background(), "grader worker drained")
	return nil
}
