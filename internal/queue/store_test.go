package queue

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"), testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		taskType string
		opts     []EnqueueOption
		wantErr  bool
	}{
		{
			name:     "valid defaults",
			taskType: "scrape_listing",
		},
		{
			name:     "empty task type",
			taskType: "",
			wantErr:  true,
		},
		{
			name:     "priority below bound",
			taskType: "scrape_listing",
			opts:     []EnqueueOption{WithPriority(0)},
			wantErr:  true,
		},
		{
			name:     "priority above bound",
			taskType: "scrape_listing",
			opts:     []EnqueueOption{WithPriority(11)},
			wantErr:  true,
		},
		{
			name:     "priority at bounds",
			taskType: "scrape_listing",
			opts:     []EnqueueOption{WithPriority(1), WithMaxRetries(0)},
		},
		{
			name:     "negative max retries",
			taskType: "scrape_listing",
			opts:     []EnqueueOption{WithMaxRetries(-1)},
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := s.Enqueue(ctx, tt.taskType, map[string]string{"url": "https://example.com"}, tt.opts...)
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Enqueue() error = %v, want ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if task.Status != StatusQueued {
				t.Errorf("Status = %q, want %q", task.Status, StatusQueued)
			}
			if task.ID == 0 {
				t.Error("ID = 0, want assigned id")
			}
		})
	}
}

func TestEnqueueAppendsCreatedLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.Enqueue(ctx, "scrape_listing", nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	logs, err := s.Logs(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].EventType != EventCreated {
		t.Fatalf("logs = %+v, want one %q entry", logs, EventCreated)
	}
}

func TestEnqueueIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "scrape_listing", nil, WithIdempotencyKey("job-42"))
	if err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	second, err := s.Enqueue(ctx, "scrape_listing", nil, WithIdempotencyKey("job-42"))
	if err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate enqueue created id %d, want existing id %d", second.ID, first.ID)
	}

	tasks, err := s.Query(ctx, QueryFilter{TaskType: "scrape_listing"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("stored tasks = %d, want 1", len(tasks))
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatusCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.Enqueue(ctx, "scrape_listing", nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Wrong expected status: no-op with ErrConflict.
	if err := s.UpdateStatus(ctx, task.ID, StatusRunning, StatusCompleted, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("UpdateStatus() error = %v, want ErrConflict", err)
	}
	got, _ := s.Get(ctx, task.ID)
	if got.Status != StatusQueued {
		t.Fatalf("Status after rejected CAS = %q, want %q", got.Status, StatusQueued)
	}

	// Matching expected status succeeds.
	if err := s.UpdateStatus(ctx, task.ID, StatusQueued, StatusCancelled, nil); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	got, _ = s.Get(ctx, task.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("Status = %q, want %q", got.Status, StatusCancelled)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt = nil, want set on terminal transition")
	}

	// A terminal status is never left; the CAS rejects any way out.
	if err := s.UpdateStatus(ctx, task.ID, StatusCancelled, StatusQueued, nil); !errors.Is(err, ErrConflict) {
		got, _ = s.Get(ctx, task.ID)
		if got.Status != StatusCancelled {
			t.Errorf("terminal status changed to %q", got.Status)
		}
	}
}

func TestCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("queued task", func(t *testing.T) {
		task, _ := s.Enqueue(ctx, "scrape_listing", nil)
		if err := s.Cancel(ctx, task.ID); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		got, _ := s.Get(ctx, task.ID)
		if got.Status != StatusCancelled {
			t.Errorf("Status = %q, want %q", got.Status, StatusCancelled)
		}
	})

	t.Run("claimed task", func(t *testing.T) {
		task, _ := s.Enqueue(ctx, "scrape_detail", nil)
		st, err := NewStrategy(s, StrategyFIFO, nil)
		if err != nil {
			t.Fatal(err)
		}
		claimed, err := st.Claim(ctx, "w-1", time.Minute)
		if err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		if claimed.ID != task.ID {
			t.Fatalf("claimed id = %d, want %d", claimed.ID, task.ID)
		}
		if err := s.Cancel(ctx, task.ID); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		got, _ := s.Get(ctx, task.ID)
		if got.Status != StatusCancelled {
			t.Errorf("Status = %q, want %q", got.Status, StatusCancelled)
		}
		if got.ClaimedBy != nil {
			t.Errorf("ClaimedBy = %v, want nil on terminal row", *got.ClaimedBy)
		}
	})

	t.Run("terminal task", func(t *testing.T) {
		task, _ := s.Enqueue(ctx, "scrape_listing", nil)
		if err := s.Cancel(ctx, task.ID); err != nil {
			t.Fatal(err)
		}
		if err := s.Cancel(ctx, task.ID); !errors.Is(err, ErrConflict) {
			t.Errorf("second Cancel() error = %v, want ErrConflict", err)
		}
	})

	t.Run("missing task", func(t *testing.T) {
		if err := s.Cancel(ctx, 98765); !errors.Is(err, ErrNotFound) {
			t.Errorf("Cancel() error = %v, want ErrNotFound", err)
		}
	})
}

func TestRunAfterDelaysEligibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "scrape_listing", nil, WithRunAfter(time.Now().UTC().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	st, _ := NewStrategy(s, StrategyFIFO, nil)
	if _, err := st.Claim(ctx, "w-1", time.Minute); !errors.Is(err, ErrNoTask) {
		t.Fatalf("Claim() of future task error = %v, want ErrNoTask", err)
	}
}

func TestStatsView(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(ctx, "scrape_listing", nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Enqueue(ctx, "produce_text", nil); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	byType := map[string]int64{}
	for _, st := range stats {
		byType[st.TaskType+"/"+st.Status] = st.Count
	}
	if byType["scrape_listing/queued"] != 3 {
		t.Errorf("scrape_listing queued count = %d, want 3", byType["scrape_listing/queued"])
	}
	if byType["produce_text/queued"] != 1 {
		t.Errorf("produce_text queued count = %d, want 1", byType["produce_text/queued"])
	}
}
