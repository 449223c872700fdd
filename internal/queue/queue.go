package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type enqueueConfig struct {
	Priority       int
	MaxRetries     int
	RunAfter       time.Time
	IdempotencyKey *string
}

type EnqueueOption func(*enqueueConfig)

func WithPriority(p int) EnqueueOption {
	return func(ec *enqueueConfig) { ec.Priority = p }
}

func WithMaxRetries(n int) EnqueueOption {
	return func(ec *enqueueConfig) { ec.MaxRetries = n }
}

// WithRunAfter delays eligibility until t.
func WithRunAfter(t time.Time) EnqueueOption {
	return func(ec *enqueueConfig) { ec.RunAfter = t.UTC() }
}

// WithIdempotencyKey makes the enqueue a no-op returning the existing task
// when a task with the same key was already created.
func WithIdempotencyKey(k string) EnqueueOption {
	return func(ec *enqueueConfig) { ec.IdempotencyKey = &k }
}

// Enqueue inserts a new queued task. Validation failures are returned
// synchronously and nothing is stored.
func (s *Store) Enqueue(ctx context.Context, taskType string, parameters any, opts ...EnqueueOption) (*Task, error) {
	cfg := enqueueConfig{
		Priority:   5,
		MaxRetries: 3,
		RunAfter:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if taskType == "" {
		return nil, &ValidationError{Field: "task_type", Reason: "must not be empty"}
	}
	if cfg.Priority < MinPriority || cfg.Priority > MaxPriority {
		return nil, &ValidationError{
			Field:  "priority",
			Reason: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority),
		}
	}
	if cfg.MaxRetries < 0 {
		return nil, &ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}

	var paramBytes []byte
	if parameters != nil {
		b, err := json.Marshal(parameters)
		if err != nil {
			return nil, &ValidationError{Field: "parameters", Reason: err.Error()}
		}
		paramBytes = b
	} else {
		paramBytes = []byte("null")
	}

	now := time.Now().UTC()
	t := &Task{
		TaskType:       taskType,
		Parameters:     paramBytes,
		Priority:       cfg.Priority,
		RunAfter:       cfg.RunAfter,
		Status:         StatusQueued,
		MaxRetries:     cfg.MaxRetries,
		IdempotencyKey: cfg.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	inserted := false
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(t)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true
		return appendLog(tx, t.ID, nil, EventCreated, "task enqueued", nil)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	if inserted {
		s.publish(t.ID, nil, EventCreated, "task enqueued")
		return t, nil
	}

	// Duplicate idempotency key: hand back the existing task.
	if cfg.IdempotencyKey == nil {
		return nil, errors.New("enqueue: no row inserted")
	}
	var existing Task
	if err := s.DB.WithContext(ctx).Where("idempotency_key = ?", *cfg.IdempotencyKey).First(&existing).Error; err != nil {
		return nil, fmt.Errorf("enqueue: fetch existing: %w", err)
	}
	return &existing, nil
}

// Get fetches one task by id.
func (s *Store) Get(ctx context.Context, taskID uint64) (*Task, error) {
	var t Task
	err := s.DB.WithContext(ctx).First(&t, taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", taskID, err)
	}
	return &t, nil
}

// UpdateStatus is a compare-and-swap transition: the row must currently be in
// expectedStatus or the call fails with ErrConflict and changes nothing.
// fields may carry additional columns to set alongside the status.
func (s *Store) UpdateStatus(ctx context.Context, taskID uint64, expectedStatus, newStatus string, fields map[string]any) error {
	updates := map[string]any{
		"status":     newStatus,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	if IsTerminal(newStatus) {
		if _, ok := updates["completed_at"]; !ok {
			updates["completed_at"] = time.Now().UTC()
		}
	}

	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("id = ? AND status = ?", taskID, expectedStatus).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return appendLog(tx, taskID, nil, eventForStatus(newStatus),
			fmt.Sprintf("status %s -> %s", expectedStatus, newStatus), nil)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("update status: %w", err)
	}
	s.publish(taskID, nil, eventForStatus(newStatus), "status updated")
	return nil
}

// Cancel marks a non-terminal task cancelled. A queued task never runs; a
// claimed or running task keeps its row terminal and the owning worker
// observes the cancellation at its next checkpoint.
func (s *Store) Cancel(ctx context.Context, taskID uint64) error {
	now := time.Now().UTC()
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("id = ? AND status IN ?", taskID, []string{StatusQueued, StatusClaimed, StatusRunning}).
			Updates(map[string]any{
				"status":       StatusCancelled,
				"claimed_by":   nil,
				"lease_until":  nil,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var t Task
			if err := tx.First(&t, taskID).Error; errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return ErrConflict
		}
		return appendLog(tx, taskID, nil, EventFailed, "task cancelled", nil)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("cancel task %d: %w", taskID, err)
	}
	s.publish(taskID, nil, EventFailed, "task cancelled")
	return nil
}

func eventForStatus(status string) string {
	switch status {
	case StatusQueued:
		return EventRetry
	case StatusClaimed:
		return EventClaimed
	case StatusRunning:
		return EventStarted
	case StatusCompleted:
		return EventCompleted
	default:
		return EventFailed
	}
}

// QueryFilter narrows Query results. Zero values mean "any".
type QueryFilter struct {
	Status    string
	TaskType  string
	ClaimedBy string
	Limit     int
}

// Query lists tasks for monitoring and administrative use, newest first.
func (s *Store) Query(ctx context.Context, f QueryFilter) ([]Task, error) {
	q := s.DB.WithContext(ctx).Model(&Task{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.TaskType != "" {
		q = q.Where("task_type = ?", f.TaskType)
	}
	if f.ClaimedBy != "" {
		q = q.Where("claimed_by = ?", f.ClaimedBy)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	} else if limit > 500 {
		limit = 500
	}
	var tasks []Task
	if err := q.Order("id DESC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return tasks, nil
}
