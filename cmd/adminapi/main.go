package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crawlworks/duraq/internal/config"
	"github.com/crawlworks/duraq/internal/events"
	"github.com/crawlworks/duraq/internal/queue"
	"github.com/crawlworks/duraq/internal/server"
	"github.com/crawlworks/duraq/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "adminapi: config error:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level)

	store, err := queue.Open(cfg.Database.Path, log)
	if err != nil {
		log.WithError(err).Fatal("store init failed")
	}

	hub := events.NewHub(64)
	store.AttachHub(hub)

	srv := server.New(store, hub, cfg.Server, cfg.Sweeper.StaleThreshold, log)
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("admin api failed")
	}
}
