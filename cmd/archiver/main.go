package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"logarchive/internal/batch"
	"logarchive/internal/config"
	"logarchive/internal/lock"
	"logarchive/internal/mask"
	"logarchive/internal/retention"
	"logarchive/internal/scheduler"
	"logarchive/internal/storage"
	"logarchive/internal/store"
	"logarchive/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := cfg.Logger()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	blob, err := storage.FromConfig(ctx, cfg)
	if err != nil {
		log.Error("init storage backend", "error", err)
		os.Exit(1)
	}

	masker, err := mask.New(cfg)
	if err != nil {
		log.Error("init masker", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	locks := lock.NewSlotLock(redisClient, cfg.SlotLockTTL)

	processor := batch.New(cfg, st, blob, masker, locks, log)
	engine := retention.New(st, blob, cfg.RootPrefix, log)

	handle := scheduler.New(st, processor, engine, scheduler.Options{
		DBRetentionDays:   cfg.DBRetentionDays,
		FileRetentionDays: cfg.FileRetentionDays,
		DBCleanupEvery:    cfg.DBCleanupEvery,
		FileCleanupEvery:  cfg.FileCleanupEvery,
	}, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	handle.Start(ctx)
	log.Info("archiver started",
		"backend", cfg.StorageBackend,
		"db_retention_days", cfg.DBRetentionDays,
		"file_retention_days", cfg.FileRetentionDays)

	<-ctx.Done()
	handle.Stop()
	log.Info("archiver stopped")
}
