package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sundeep-k/voxqueue/internal/auth"
	"github.com/sundeep-k/voxqueue/internal/blobstore"
	"github.com/sundeep-k/voxqueue/internal/config"
	"github.com/sundeep-k/voxqueue/internal/engine"
	"github.com/sundeep-k/voxqueue/internal/middleware"
	"github.com/sundeep-k/voxqueue/internal/resultcache"
	"github.com/sundeep-k/voxqueue/internal/server"
	"github.com/sundeep-k/voxqueue/internal/session"
	"github.com/sundeep-k/voxqueue/internal/task"
	"github.com/sundeep-k/voxqueue/pkg/db/aws"
	"github.com/sundeep-k/voxqueue/pkg/db/postgres"
	clientRedis "github.com/sundeep-k/voxqueue/pkg/db/redis"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

func main() {
	log.Println("starting voxqueue")

	cfgFile, err := config.LoadConfig("config.yml")
	if err != nil {
		log.Fatalf("loadConfig: %v", err)
	}
	cfg, err := config.ParseConfig(cfgFile)
	if err != nil {
		log.Fatalf("parseConfig: %v", err)
	}

	appLogger := logger.NewApiLogger(cfg)
	appLogger.InitLogger()
	appLogger.Infof("log level: %s, concurrency mode: %s", cfg.Logger.Level, cfg.Scheduler.ConcurrencyMode)

	psqlDB, err := postgres.NewPsqlDB(cfg)
	if err != nil {
		appLogger.Fatalf("could not connect to postgres: %s", err)
	}
	defer psqlDB.Close()
	appLogger.Infof("postgres connected, status: %#v", psqlDB.Stats())

	var redisClient = mustRedis(cfg, appLogger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store := buildBlobStore(cfg, appLogger)

	ttl := time.Duration(cfg.Cache.CacheTTLHours) * time.Hour
	cache, err := resultcache.NewPGCache(psqlDB, ttl, appLogger.Named("resultcache"))
	if err != nil {
		appLogger.Fatalf("could not initialize result cache: %s", err)
	}
	defer cache.Close()

	eng := buildEngine(cfg)
	rolling := task.NewRollingAverage(redisClient)

	hub := session.NewHub(appLogger.Named("hub"))
	sink := task.NewRedisBridge(hub, redisClient, appLogger.Named("broadcast"))
	manager := task.NewManager(cfg, appLogger.Named("task"), store, cache, eng, sink, rolling)
	manager.Start()

	validator := auth.NewValidator(cfg.Auth)
	dispatcher := session.NewDispatcher(cfg, appLogger.Named("session"), store, cache, manager, hub, validator)

	mw := middleware.NewManager(cfg, appLogger.Named("middleware"), []string{"http://localhost:5173", "http://localhost:3000"})
	srv := server.NewServer(cfg, appLogger, mw, hub, dispatcher, manager.Stats)

	if err := srv.Run(); err != nil {
		appLogger.Errorf("server exited with error: %s", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("task manager shutdown: %s", err)
	}
}

func mustRedis(cfg *config.Config, log logger.Logger) *redis.Client {
	if cfg.Redis.RedisAddr == "" {
		log.Infof("no redis address configured, rolling-average ETA falls back to an in-process estimate")
		return nil
	}
	client, err := clientRedis.NewRedisClient(cfg)
	if err != nil {
		log.Warnf("could not connect to redis: %s, rolling-average ETA falls back to an in-process estimate", err)
		return nil
	}
	log.Infof("redis connected")
	return client
}

func buildBlobStore(cfg *config.Config, log logger.Logger) blobstore.Store {
	fsStore, err := blobstore.NewFSStore(cfg.Storage.RootDir, cfg.Scheduler.DeleteAfterTranscription, log.Named("blobstore"))
	if err != nil {
		log.Fatalf("could not initialize blob store at %s: %s", cfg.Storage.RootDir, err)
	}
	if strings.ToLower(cfg.Storage.Backend) != "s3" {
		return fsStore
	}
	s3Client, _, err := aws.NewAWSClient(cfg.S3.Endpoint, cfg.S3.Region, cfg.S3.AccessKey, cfg.S3.SecretKey)
	if err != nil {
		log.Warnf("could not connect to s3, falling back to local-only blob storage: %s", err)
		return fsStore
	}
	return blobstore.NewS3Mirror(fsStore, s3Client, cfg.S3.OutputBucket, log.Named("s3mirror"))
}

func buildEngine(cfg *config.Config) engine.Engine {
	base := engine.NewMock()
	if cfg.Scheduler.ConcurrencyMode == "pool" {
		instances := make([]engine.Engine, cfg.Scheduler.MaxConcurrentTasks)
		for i := range instances {
			instances[i] = engine.NewMock()
		}
		return engine.NewPooled(instances, cfg.Scheduler.MaxCPUUsage)
	}
	return engine.NewSerialized(base)
}
