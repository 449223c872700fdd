package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crawlworks/duraq/internal/config"
	"github.com/crawlworks/duraq/internal/queue"
	"github.com/crawlworks/duraq/internal/sweeper"
	"github.com/crawlworks/duraq/pkg/logger"
)

// Standalone sweeper for deployments where workers should not carry the
// reclaim duty themselves.
func main() {
	once := flag.Bool("once", false, "run a single sweep pass and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sweeper: config error:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level)

	store, err := queue.Open(cfg.Database.Path, log)
	if err != nil {
		log.WithError(err).Fatal("store init failed")
	}

	sw := sweeper.New(store, sweeper.Config{
		Interval:       cfg.Sweeper.Interval,
		StaleThreshold: cfg.Sweeper.StaleThreshold,
		BatchSize:      cfg.Sweeper.BatchSize,
	}, log)

	if *once {
		sw.RunOnce(ctx)
		return
	}

	if err := sw.Start(); err != nil {
		log.WithError(err).Fatal("sweeper start failed")
	}
	<-ctx.Done()
	sw.Stop()
}
