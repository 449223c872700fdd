package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Strategy names accepted by NewStrategy and stored on heartbeat rows.
const (
	StrategyFIFO           = "fifo"
	StrategyLIFO           = "lifo"
	StrategyPriority       = "priority"
	StrategyWeightedRandom = "weighted"
)

// ClaimStrategy selects one eligible task and leases it to a worker. Every
// implementation is a single atomic select-then-guarded-update transaction;
// the WHERE status='queued' guard on the update is what makes two racing
// claimers resolve to one winner and one no-op.
type ClaimStrategy interface {
	Name() string
	Claim(ctx context.Context, workerID string, lease time.Duration) (*Task, error)
}

// NewStrategy builds the named strategy against a store. rng is only used by
// the weighted strategy; nil means time-seeded.
func NewStrategy(s *Store, name string, rng *rand.Rand) (ClaimStrategy, error) {
	switch name {
	case StrategyFIFO:
		return &orderedStrategy{store: s, name: StrategyFIFO, order: "id ASC"}, nil
	case StrategyLIFO:
		return &orderedStrategy{store: s, name: StrategyLIFO, order: "id DESC"}, nil
	case StrategyPriority:
		// Lower priority number wins; ties fall back to submission order.
		return &orderedStrategy{store: s, name: StrategyPriority, order: "priority ASC, id ASC"}, nil
	case StrategyWeightedRandom:
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		return &weightedStrategy{store: s, rng: rng}, nil
	default:
		return nil, fmt.Errorf("unknown claim strategy %q", name)
	}
}

// orderedStrategy covers FIFO, LIFO and Priority; they differ only in the
// ORDER BY clause.
type orderedStrategy struct {
	store *Store
	name  string
	order string
}

func (o *orderedStrategy) Name() string { return o.name }

func (o *orderedStrategy) Claim(ctx context.Context, workerID string, lease time.Duration) (*Task, error) {
	return o.store.claimWith(ctx, workerID, o.name, lease, func(tx *gorm.DB, now time.Time) (uint64, error) {
		var t Task
		err := tx.
			Where("status = ? AND run_after <= ?", StatusQueued, now).
			Order(o.order).
			Limit(1).
			Take(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNoTask
		}
		if err != nil {
			return 0, err
		}
		return t.ID, nil
	})
}

// weightedStrategy draws among eligible candidates with weight 1/(priority+1),
// so low priority numbers are preferred but nothing starves outright.
type weightedStrategy struct {
	store *Store
	rng   *rand.Rand
}

func (w *weightedStrategy) Name() string { return StrategyWeightedRandom }

// candidateWindow bounds how many eligible rows the draw considers.
const candidateWindow = 256

func (w *weightedStrategy) Claim(ctx context.Context, workerID string, lease time.Duration) (*Task, error) {
	return w.store.claimWith(ctx, workerID, StrategyWeightedRandom, lease, func(tx *gorm.DB, now time.Time) (uint64, error) {
		var candidates []Task
		err := tx.
			Select("id", "priority").
			Where("status = ? AND run_after <= ?", StatusQueued, now).
			Order("id ASC").
			Limit(candidateWindow).
			Find(&candidates).Error
		if err != nil {
			return 0, err
		}
		if len(candidates) == 0 {
			return 0, ErrNoTask
		}

		total := 0.0
		for _, c := range candidates {
			total += 1.0 / float64(c.Priority+1)
		}
		draw := w.rng.Float64() * total
		for _, c := range candidates {
			draw -= 1.0 / float64(c.Priority+1)
			if draw <= 0 {
				return c.ID, nil
			}
		}
		return candidates[len(candidates)-1].ID, nil
	})
}

// claimWith runs the shared claim transaction: pick picks a candidate id under
// the strategy's ordering, then the guarded update transitions it to claimed.
// A lost race surfaces as ErrNoTask so the caller just backs off.
func (s *Store) claimWith(ctx context.Context, workerID, strategy string, lease time.Duration,
	pick func(tx *gorm.DB, now time.Time) (uint64, error)) (*Task, error) {

	var claimed Task
	err := s.writeTx(ctx, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		id, err := pick(tx, now)
		if err != nil {
			return err
		}

		leaseUntil := now.Add(lease)
		res := tx.Model(&Task{}).
			Where("id = ? AND status = ?", id, StatusQueued).
			Updates(map[string]any{
				"status":      StatusClaimed,
				"claimed_by":  workerID,
				"claimed_at":  now,
				"lease_until": leaseUntil,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another claimer won between select and update.
			return ErrNoTask
		}

		if err := tx.First(&claimed, id).Error; err != nil {
			return err
		}
		if err := appendLog(tx, id, &workerID, EventClaimed, "claimed by "+workerID, nil); err != nil {
			return err
		}
		return upsertHeartbeat(tx, workerID, strategy, &id, now)
	})
	if err != nil {
		if errors.Is(err, ErrNoTask) {
			return nil, ErrNoTask
		}
		return nil, fmt.Errorf("claim: %w", err)
	}

	s.publish(claimed.ID, &workerID, EventClaimed, "claimed by "+workerID)
	return &claimed, nil
}

// upsertHeartbeat refreshes a worker row inside the caller's transaction.
func upsertHeartbeat(tx *gorm.DB, workerID, strategy string, currentTaskID *uint64, now time.Time) error {
	hb := WorkerHeartbeat{
		WorkerID:      workerID,
		LastHeartbeat: now,
		CurrentTaskID: currentTaskID,
		Strategy:      strategy,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_heartbeat", "current_task_id", "strategy", "updated_at",
		}),
	}).Create(&hb).Error
}
