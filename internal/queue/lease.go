package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ownedStatuses are the states in which claimed_by names a live owner.
var ownedStatuses = []string{StatusClaimed, StatusRunning}

// RegisterWorker creates or refreshes the heartbeat row for a worker at
// startup, recording which claim strategy it polls with.
func (s *Store) RegisterWorker(ctx context.Context, workerID, strategy string) error {
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		return upsertHeartbeat(tx, workerID, strategy, nil, time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("register worker %s: %w", workerID, err)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness row. currentTaskID may be nil when
// the worker is idle.
func (s *Store) Heartbeat(ctx context.Context, workerID string, currentTaskID *uint64) error {
	now := time.Now().UTC()
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&WorkerHeartbeat{}).
			Where("worker_id = ?", workerID).
			Updates(map[string]any{
				"last_heartbeat":  now,
				"current_task_id": currentTaskID,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// First heartbeat before registration; create the row.
			return upsertHeartbeat(tx, workerID, "", currentTaskID, now)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", workerID, err)
	}
	return nil
}

// RenewLease extends lease_until for a task the worker still owns. Returns
// ErrLeaseLost if the row is no longer owned by workerID, which callers must
// treat as loss of ownership and stop work.
func (s *Store) RenewLease(ctx context.Context, taskID uint64, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("id = ? AND claimed_by = ? AND status IN ?", taskID, workerID, ownedStatuses).
			Updates(map[string]any{
				"lease_until": now.Add(lease),
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		return nil
	})
	if errors.Is(err, ErrLeaseLost) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("renew lease task %d: %w", taskID, err)
	}
	return nil
}

// MarkRunning transitions claimed -> running for the owning worker.
func (s *Store) MarkRunning(ctx context.Context, taskID uint64, workerID string) error {
	now := time.Now().UTC()
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("id = ? AND claimed_by = ? AND status = ?", taskID, workerID, StatusClaimed).
			Updates(map[string]any{
				"status":     StatusRunning,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		return appendLog(tx, taskID, &workerID, EventStarted, "execution started", nil)
	})
	if errors.Is(err, ErrLeaseLost) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("mark running task %d: %w", taskID, err)
	}
	s.publish(taskID, &workerID, EventStarted, "execution started")
	return nil
}

// Progress appends a progress audit entry for a task the worker still owns.
func (s *Store) Progress(ctx context.Context, taskID uint64, workerID, message string, details any) error {
	var detailBytes []byte
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("progress details: %w", err)
		}
		detailBytes = b
	}
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Task{}).
			Where("id = ? AND claimed_by = ? AND status IN ?", taskID, workerID, ownedStatuses).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrLeaseLost
		}
		return appendLog(tx, taskID, &workerID, EventProgress, message, detailBytes)
	})
	if errors.Is(err, ErrLeaseLost) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("progress task %d: %w", taskID, err)
	}
	return nil
}

// Complete commits a successful terminal state. The ownership guard makes a
// late completion after lease loss a rejected no-op, which is what keeps
// delivery at-least-once instead of duplicate-completing.
func (s *Store) Complete(ctx context.Context, taskID uint64, workerID string, result any) error {
	var resultStr *string
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("complete result: %w", err)
		}
		str := string(b)
		resultStr = &str
	}

	now := time.Now().UTC()
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("id = ? AND claimed_by = ? AND status IN ?", taskID, workerID, ownedStatuses).
			Updates(map[string]any{
				"status":       StatusCompleted,
				"result_data":  resultStr,
				"claimed_by":   nil,
				"lease_until":  nil,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		if err := appendLog(tx, taskID, &workerID, EventCompleted, "task completed", nil); err != nil {
			return err
		}
		return tx.Model(&WorkerHeartbeat{}).
			Where("worker_id = ?", workerID).
			Updates(map[string]any{
				"tasks_processed": gorm.Expr("tasks_processed + 1"),
				"current_task_id": nil,
				"last_heartbeat":  now,
				"updated_at":      now,
			}).Error
	})
	if errors.Is(err, ErrLeaseLost) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("complete task %d: %w", taskID, err)
	}
	s.publish(taskID, &workerID, EventCompleted, "task completed")
	return nil
}

// Fail reports an execution failure. Retryable failures below the retry bound
// go back to queued with retry_count+1; everything else dead-letters the task.
// The returned bool reports whether the task was requeued.
func (s *Store) Fail(ctx context.Context, taskID uint64, workerID, errorMessage string, retryable bool) (bool, error) {
	now := time.Now().UTC()
	requeued := false
	event := EventFailed
	message := "task failed: " + errorMessage

	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		var t Task
		if err := tx.
			Where("id = ? AND claimed_by = ? AND status IN ?", taskID, workerID, ownedStatuses).
			Take(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLeaseLost
			}
			return err
		}

		if retryable && t.RetryCount < t.MaxRetries {
			requeued = true
			event = EventRetry
			message = fmt.Sprintf("retry %d/%d: %s", t.RetryCount+1, t.MaxRetries, errorMessage)
			res := tx.Model(&Task{}).
				Where("id = ? AND claimed_by = ? AND status IN ?", taskID, workerID, ownedStatuses).
				Updates(map[string]any{
					"status":        StatusQueued,
					"retry_count":   gorm.Expr("retry_count + 1"),
					"claimed_by":    nil,
					"claimed_at":    nil,
					"lease_until":   nil,
					"error_message": errorMessage,
					"updated_at":    now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrLeaseLost
			}
		} else {
			res := tx.Model(&Task{}).
				Where("id = ? AND claimed_by = ? AND status IN ?", taskID, workerID, ownedStatuses).
				Updates(map[string]any{
					"status":        StatusFailed,
					"claimed_by":    nil,
					"lease_until":   nil,
					"error_message": errorMessage,
					"completed_at":  now,
					"updated_at":    now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrLeaseLost
			}
		}

		if err := appendLog(tx, taskID, &workerID, event, message, nil); err != nil {
			return err
		}
		return tx.Model(&WorkerHeartbeat{}).
			Where("worker_id = ?", workerID).
			Updates(map[string]any{
				"tasks_failed":    gorm.Expr("tasks_failed + 1"),
				"current_task_id": nil,
				"last_heartbeat":  now,
				"updated_at":      now,
			}).Error
	})
	if errors.Is(err, ErrLeaseLost) {
		return false, ErrLeaseLost
	}
	if err != nil {
		return false, fmt.Errorf("fail task %d: %w", taskID, err)
	}
	s.publish(taskID, &workerID, event, message)
	return requeued, nil
}
