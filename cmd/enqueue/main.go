package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/crawlworks/duraq/internal/config"
	"github.com/crawlworks/duraq/internal/queue"
	"github.com/crawlworks/duraq/pkg/logger"
)

func main() {
	ctx := context.Background()

	var (
		taskType   = flag.String("type", "", "task type (required)")
		paramsStr  = flag.String("params", "{}", "task parameters as JSON")
		priority   = flag.Int("priority", 5, "priority 1..10, lower is more important")
		maxRetries = flag.Int("max-retries", 3, "retry budget")
		delay      = flag.Duration("delay", 0, "delay before the task becomes eligible")
		idemKey    = flag.String("idempotency-key", "", "optional idempotency key")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -type <type> [-params '<json>'] [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *taskType == "" {
		flag.Usage()
		os.Exit(2)
	}

	var params any
	if err := json.Unmarshal([]byte(*paramsStr), &params); err != nil {
		fmt.Fprintf(os.Stderr, "invalid params JSON: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "enqueue: config error:", err)
		os.Exit(1)
	}
	store, err := queue.Open(cfg.Database.Path, logger.New(cfg.Log.Level))
	if err != nil {
		fmt.Fprintln(os.Stderr, "enqueue: store init failed:", err)
		os.Exit(1)
	}

	opts := []queue.EnqueueOption{
		queue.WithPriority(*priority),
		queue.WithMaxRetries(*maxRetries),
	}
	if *delay > 0 {
		opts = append(opts, queue.WithRunAfter(time.Now().UTC().Add(*delay)))
	}
	if *idemKey != "" {
		opts = append(opts, queue.WithIdempotencyKey(*idemKey))
	}

	t, err := store.Enqueue(ctx, *taskType, params, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "enqueue failed:", err)
		os.Exit(1)
	}

	fmt.Printf(
		"enqueued task:\n"+
			"  id        = %d\n"+
			"  type      = %s\n"+
			"  status    = %s\n"+
			"  priority  = %d\n"+
			"  run_after = %s\n",
		t.ID, t.TaskType, t.Status, t.Priority, t.RunAfter.Format(time.RFC3339),
	)
}
