package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crawlworks/duraq/internal/queue"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestStore(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func fastConfig() Config {
	return Config{
		ID:                "w-test",
		Strategy:          queue.StrategyFIFO,
		Lease:             2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		Backoff:           BackoffConfig{Base: 10 * time.Millisecond, Multiplier: 1.5, Max: 50 * time.Millisecond},
	}
}

// waitForStatus polls until the task reaches status or the deadline passes.
func waitForStatus(t *testing.T, s *queue.Store, id uint64, status string) *queue.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if task.Status == status {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := s.Get(context.Background(), id)
	t.Fatalf("task %d never reached %q, last status %q", id, status, task.Status)
	return nil
}

func runRuntime(t *testing.T, rt *Runtime) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := rt.Run(ctx); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("runtime did not stop")
		}
	}
}

func TestRuntimeCompletesTask(t *testing.T) {
	s := newTestStore(t)

	var got atomic.Value
	registry := Registry{
		"scrape_listing": ExecutorFunc(func(ctx context.Context, params json.RawMessage) (any, bool, error) {
			got.Store(string(params))
			return map[string]int{"items": 3}, false, nil
		}),
	}

	rt, err := New(s, registry, fastConfig(), testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := runRuntime(t, rt)
	defer stop()

	task, err := s.Enqueue(context.Background(), "scrape_listing", map[string]string{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	done := waitForStatus(t, s, task.ID, queue.StatusCompleted)
	if done.ResultData == nil || *done.ResultData != `{"items":3}` {
		t.Errorf("ResultData = %v, want executor result", done.ResultData)
	}
	if v := got.Load(); v == nil || v.(string) != `{"url":"https://example.com"}` {
		t.Errorf("executor params = %v, want passthrough payload", v)
	}
}

func TestRuntimeRetriesThenCompletes(t *testing.T) {
	s := newTestStore(t)

	var calls atomic.Int32
	registry := Registry{
		"scrape_listing": ExecutorFunc(func(ctx context.Context, params json.RawMessage) (any, bool, error) {
			if calls.Add(1) < 3 {
				return nil, true, errors.New("transient upstream error")
			}
			return "ok", false, nil
		}),
	}

	rt, err := New(s, registry, fastConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	stop := runRuntime(t, rt)
	defer stop()

	task, err := s.Enqueue(context.Background(), "scrape_listing", nil, queue.WithMaxRetries(5))
	if err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, s, task.ID, queue.StatusCompleted)
	if done.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", done.RetryCount)
	}
	if calls.Load() != 3 {
		t.Errorf("executor calls = %d, want 3", calls.Load())
	}
}

func TestRuntimeDeadLettersFatalFailure(t *testing.T) {
	s := newTestStore(t)

	registry := Registry{
		"scrape_listing": ExecutorFunc(func(ctx context.Context, params json.RawMessage) (any, bool, error) {
			return nil, false, errors.New("page layout changed")
		}),
	}

	rt, err := New(s, registry, fastConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	stop := runRuntime(t, rt)
	defer stop()

	task, err := s.Enqueue(context.Background(), "scrape_listing", nil, queue.WithMaxRetries(5))
	if err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, s, task.ID, queue.StatusFailed)
	if done.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 for fatal failure", done.RetryCount)
	}
	if done.ErrorMessage == nil || *done.ErrorMessage != "page layout changed" {
		t.Errorf("ErrorMessage = %v, want recorded", done.ErrorMessage)
	}
}

func TestRuntimeDeadLettersUnknownType(t *testing.T) {
	s := newTestStore(t)

	rt, err := New(s, Registry{}, fastConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	stop := runRuntime(t, rt)
	defer stop()

	task, err := s.Enqueue(context.Background(), "no_such_type", nil)
	if err != nil {
		t.Fatal(err)
	}

	done := waitForStatus(t, s, task.ID, queue.StatusFailed)
	if done.ErrorMessage == nil {
		t.Fatal("ErrorMessage = nil, want unregistered-type message")
	}
}

func TestRuntimeHonorsCancellation(t *testing.T) {
	s := newTestStore(t)

	started := make(chan struct{})
	registry := Registry{
		"scrape_listing": ExecutorFunc(func(ctx context.Context, params json.RawMessage) (any, bool, error) {
			close(started)
			<-ctx.Done()
			return nil, false, ctx.Err()
		}),
	}

	rt, err := New(s, registry, fastConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	stop := runRuntime(t, rt)
	defer stop()

	task, err := s.Enqueue(context.Background(), "scrape_listing", nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	if err := s.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	done := waitForStatus(t, s, task.ID, queue.StatusCancelled)
	if done.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0: cancellations are not retried", done.RetryCount)
	}

	// The row stays cancelled; the worker's late report must not overwrite it.
	time.Sleep(200 * time.Millisecond)
	got, _ := s.Get(context.Background(), task.ID)
	if got.Status != queue.StatusCancelled {
		t.Errorf("Status = %q after worker checkpoint, want %q", got.Status, queue.StatusCancelled)
	}
}

func TestRuntimeRenewsLeaseDuringLongExecution(t *testing.T) {
	s := newTestStore(t)

	release := make(chan struct{})
	registry := Registry{
		"scrape_listing": ExecutorFunc(func(ctx context.Context, params json.RawMessage) (any, bool, error) {
			<-release
			return "ok", false, nil
		}),
	}

	cfg := fastConfig()
	cfg.Lease = 300 * time.Millisecond
	rt, err := New(s, registry, cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	stop := runRuntime(t, rt)
	defer stop()

	task, err := s.Enqueue(context.Background(), "scrape_listing", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, s, task.ID, queue.StatusRunning)

	// Run well past the original lease; heartbeats must keep it alive so the
	// sweeper finds nothing to reclaim.
	time.Sleep(600 * time.Millisecond)
	res, err := s.ReclaimExpired(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Requeued != 0 || res.DeadLettered != 0 {
		t.Fatalf("sweeper reclaimed a heartbeating task: %+v", res)
	}

	close(release)
	waitForStatus(t, s, task.ID, queue.StatusCompleted)
}
