package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crawlworks/duraq/internal/config"
	"github.com/crawlworks/duraq/internal/metrics"
	"github.com/crawlworks/duraq/internal/queue"
	"github.com/crawlworks/duraq/internal/sweeper"
	"github.com/crawlworks/duraq/internal/worker"
	"github.com/crawlworks/duraq/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker: config error:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level)

	store, err := queue.Open(cfg.Database.Path, log)
	if err != nil {
		log.WithError(err).Fatal("store init failed")
	}

	stopMetrics := metrics.Every(10*time.Second, func() {
		s := metrics.Default.Snapshot()
		log.WithFields(map[string]any{
			"claimed":       s.Claimed,
			"completed":     s.Completed,
			"failed":        s.Failed,
			"requeued":      s.Requeued,
			"dead_lettered": s.DeadLettered,
		}).Info("worker metrics")
	})
	defer stopMetrics()

	// Every worker runs a sweeper too; the guarded reclaim updates keep
	// concurrent sweepers harmless.
	sw := sweeper.New(store, sweeper.Config{
		Interval:       cfg.Sweeper.Interval,
		StaleThreshold: cfg.Sweeper.StaleThreshold,
		BatchSize:      cfg.Sweeper.BatchSize,
	}, log)
	if err := sw.Start(); err != nil {
		log.WithError(err).Fatal("sweeper start failed")
	}
	defer sw.Stop()

	rt, err := worker.New(store, worker.DefaultRegistry(), worker.Config{
		Strategy:          cfg.Worker.Strategy,
		Lease:             cfg.Worker.LeaseDuration,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Backoff: worker.BackoffConfig{
			Base:       cfg.Worker.BackoffBase,
			Multiplier: cfg.Worker.BackoffMultiplier,
			Max:        cfg.Worker.BackoffMax,
		},
		MaxClaimRate: cfg.Worker.MaxClaimRate,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("runtime init failed")
	}

	if err := rt.Run(ctx); err != nil {
		log.WithError(err).Fatal("worker run failed")
	}
}
