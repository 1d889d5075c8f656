package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"logarchive/internal/api"
	"logarchive/internal/batch"
	"logarchive/internal/config"
	"logarchive/internal/lock"
	"logarchive/internal/mask"
	"logarchive/internal/ratelimit"
	"logarchive/internal/retention"
	"logarchive/internal/storage"
	"logarchive/internal/store"
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
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	locks := lock.NewSlotLock(redisClient, cfg.SlotLockTTL)

	processor := batch.New(cfg, st, blob, masker, locks, log)
	engine := retention.New(st, blob, cfg.RootPrefix, log)

	server := api.New(cfg, st, processor, engine, blob, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
