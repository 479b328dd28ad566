package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"governance-reconciler/internal/archive"
	"governance-reconciler/internal/config"
	"governance-reconciler/internal/engine"
	"governance-reconciler/internal/models"
	"governance-reconciler/internal/rules"
	"governance-reconciler/internal/runlock"
	"governance-reconciler/internal/store"
)

// Runs exactly one reconciliation pass and exits. Intended to be invoked
// by an external scheduler (cron, CI job); the pass itself decides nothing
// about timing.
func main() {
	cfg := config.Load()

	tenant := os.Getenv("TENANT_ID")
	if tenant == "" {
		tenant = cfg.DefaultTenant
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
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lock := runlock.New(redisClient, cfg.RunLockTTL)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	eng := engine.New(st, rules.Catalog(), cfg.RunTimeout,
		engine.WithLocker(lock),
		engine.WithArchiver(archiver),
	)

	run, err := eng.Run(ctx, tenant, models.TriggerScheduled)
	if errors.Is(err, engine.ErrRunInProgress) {
		log.Printf("tenant %s: run already in progress, nothing to do", tenant)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	log.Printf("run %s %s: processed=%d created=%d updated=%d skipped=%d errors=%d",
		run.ID, run.Status,
		run.Processed, run.Created, run.Updated, run.Skipped, run.Errors)
	if run.Status == models.RunFailed {
		os.Exit(1)
	}
}
