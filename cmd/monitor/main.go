package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/crawlworks/duraq/internal/config"
	"github.com/crawlworks/duraq/internal/queue"
	"github.com/crawlworks/duraq/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitor: config error:", err)
		os.Exit(1)
	}
	store, err := queue.Open(cfg.Database.Path, logger.New("error"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitor: store init failed:", err)
		os.Exit(1)
	}

	fmt.Println("monitor: starting (Ctrl-C to exit)")
	run(ctx, store, cfg.Sweeper.StaleThreshold)
	fmt.Println("monitor: stopped")
}

// run redraws a plain snapshot of the stats and worker views every second.
func run(ctx context.Context, store *queue.Store, staleAfter time.Duration) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Clear screen (ANSI) and redraw
			fmt.Print("\033[2J\033[H")
			fmt.Println("duraq - queue snapshot")
			fmt.Println(time.Now().UTC().Format(time.RFC3339))
			fmt.Println()

			stats, err := store.Stats(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("%-24s %-10s %8s %12s\n", "TYPE", "STATUS", "COUNT", "AVG RETRIES")
			for _, st := range stats {
				fmt.Printf("%-24s %-10s %8d %12.2f\n", st.TaskType, st.Status, st.Count, st.AvgRetries)
			}

			workers, err := store.Workers(ctx, staleAfter)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println()
			fmt.Printf("%-38s %-10s %10s %8s %6s\n", "WORKER", "STRATEGY", "PROCESSED", "FAILED", "STALE")
			for _, w := range workers {
				fmt.Printf("%-38s %-10s %10d %8d %6v\n", w.WorkerID, w.Strategy, w.TasksProcessed, w.TasksFailed, w.Stale)
			}
			fmt.Println()
			fmt.Println("Press Ctrl-C to exit")
		}
	}
}
