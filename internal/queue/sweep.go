package queue

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SweepResult reports what one reclaim pass did.
type SweepResult struct {
	Requeued     int
	DeadLettered int
}

// ReclaimExpired reclaims tasks whose lease passed while still claimed or
// running: back to queued with retry_count+1, or dead-lettered once retries
// are exhausted. Each row transition is guarded on the expired lease so a
// worker that renews concurrently keeps its task.
func (s *Store) ReclaimExpired(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = 200
	}
	var result SweepResult

	now := time.Now().UTC()
	var expired []Task
	err := s.DB.WithContext(ctx).
		Where("status IN ? AND lease_until IS NOT NULL AND lease_until < ?", ownedStatuses, now).
		Order("lease_until ASC").
		Limit(limit).
		Find(&expired).Error
	if err != nil {
		return result, fmt.Errorf("list expired leases: %w", err)
	}

	for _, t := range expired {
		outcome, err := s.reclaimOne(ctx, t, now)
		if err != nil {
			return result, err
		}
		switch outcome {
		case reclaimRequeued:
			result.Requeued++
		case reclaimDeadLettered:
			result.DeadLettered++
		}
	}
	return result, nil
}

type reclaimOutcome int

const (
	reclaimSkipped reclaimOutcome = iota
	reclaimRequeued
	reclaimDeadLettered
)

func (s *Store) reclaimOne(ctx context.Context, t Task, now time.Time) (reclaimOutcome, error) {
	outcome := reclaimSkipped
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		owner := t.ClaimedBy
		if t.RetryCount < t.MaxRetries {
			res := tx.Model(&Task{}).
				Where("id = ? AND status IN ? AND lease_until < ?", t.ID, ownedStatuses, now).
				Updates(map[string]any{
					"status":      StatusQueued,
					"retry_count": gorm.Expr("retry_count + 1"),
					"claimed_by":  nil,
					"claimed_at":  nil,
					"lease_until": nil,
					"updated_at":  now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Owner renewed or finished in the meantime.
				return nil
			}
			outcome = reclaimRequeued
			return appendLog(tx, t.ID, owner, EventRetry,
				fmt.Sprintf("lease expired, requeued (retry %d/%d)", t.RetryCount+1, t.MaxRetries), nil)
		}

		res := tx.Model(&Task{}).
			Where("id = ? AND status IN ? AND lease_until < ?", t.ID, ownedStatuses, now).
			Updates(map[string]any{
				"status":        StatusFailed,
				"claimed_by":    nil,
				"lease_until":   nil,
				"error_message": "lease expired with retries exhausted",
				"completed_at":  now,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		outcome = reclaimDeadLettered
		return appendLog(tx, t.ID, owner, EventFailed, "lease expired, retries exhausted", nil)
	})
	if err != nil {
		return reclaimSkipped, fmt.Errorf("reclaim task %d: %w", t.ID, err)
	}

	switch outcome {
	case reclaimRequeued:
		s.publish(t.ID, t.ClaimedBy, EventRetry, "lease expired, requeued")
	case reclaimDeadLettered:
		s.publish(t.ID, t.ClaimedBy, EventFailed, "lease expired, retries exhausted")
	}
	return outcome, nil
}

// StaleWorkers lists workers whose last heartbeat is older than threshold.
func (s *Store) StaleWorkers(ctx context.Context, threshold time.Duration) ([]WorkerHeartbeat, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	var workers []WorkerHeartbeat
	err := s.DB.WithContext(ctx).
		Where("last_heartbeat < ?", cutoff).
		Find(&workers).Error
	if err != nil {
		return nil, fmt.Errorf("list stale workers: %w", err)
	}
	return workers, nil
}

// PurgeStaleWorkers removes heartbeat rows with no heartbeat within threshold.
// Their leased tasks are handled by ReclaimExpired, not here.
func (s *Store) PurgeStaleWorkers(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	var n int64
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		res := tx.Where("last_heartbeat < ?", cutoff).Delete(&WorkerHeartbeat{})
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge stale workers: %w", err)
	}
	return n, nil
}
