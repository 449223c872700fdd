package queue

import (
	"context"
	"fmt"
	"time"
)

// TaskStats is one row of the task_stats view: aggregate counts per
// (task_type, status).
type TaskStats struct {
	TaskType   string  `json:"task_type"`
	Status     string  `json:"status"`
	Count      int64   `json:"count"`
	AvgRetries float64 `json:"avg_retries"`
	Oldest     string  `json:"oldest"`
	Newest     string  `json:"newest"`
}

// WorkerStatus is one row of the worker_status view: heartbeat joined with
// the worker's current task, if any.
type WorkerStatus struct {
	WorkerID          string    `json:"worker_id"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	TasksProcessed    int64     `json:"tasks_processed"`
	TasksFailed       int64     `json:"tasks_failed"`
	Strategy          string    `json:"strategy"`
	StartedAt         time.Time `json:"started_at"`
	CurrentTaskID     *uint64   `json:"current_task_id,omitempty"`
	CurrentTaskType   *string   `json:"current_task_type,omitempty"`
	CurrentTaskStatus *string   `json:"current_task_status,omitempty"`
	Stale             bool      `json:"stale" gorm:"-"`
}

// ActiveTask is one row of the active_tasks view.
type ActiveTask struct {
	ID         uint64    `json:"id"`
	TaskType   string    `json:"task_type"`
	Priority   int       `json:"priority"`
	Status     string    `json:"status"`
	ClaimedBy  *string   `json:"claimed_by,omitempty"`
	RetryCount int       `json:"retry_count"`
	RunAfter   time.Time `json:"run_after"`
	CreatedAt  time.Time `json:"created_at"`
	AgeSeconds int64     `json:"age_seconds"`
}

// Stats reads the task_stats view.
func (s *Store) Stats(ctx context.Context) ([]TaskStats, error) {
	var stats []TaskStats
	err := s.DB.WithContext(ctx).
		Raw("SELECT task_type, status, count, avg_retries, oldest, newest FROM task_stats ORDER BY task_type, status").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("read task_stats: %w", err)
	}
	return stats, nil
}

// Workers reads the worker_status view. Workers without a heartbeat inside
// staleThreshold are flagged stale; pass zero to skip the check.
func (s *Store) Workers(ctx context.Context, staleThreshold time.Duration) ([]WorkerStatus, error) {
	var workers []WorkerStatus
	err := s.DB.WithContext(ctx).
		Raw(`SELECT worker_id, last_heartbeat, tasks_processed, tasks_failed, strategy, started_at,
		            current_task_id, current_task_type, current_task_status
		     FROM worker_status ORDER BY worker_id`).
		Scan(&workers).Error
	if err != nil {
		return nil, fmt.Errorf("read worker_status: %w", err)
	}
	if staleThreshold > 0 {
		cutoff := time.Now().UTC().Add(-staleThreshold)
		for i := range workers {
			workers[i].Stale = workers[i].LastHeartbeat.Before(cutoff)
		}
	}
	return workers, nil
}

// ActiveTasks reads the active_tasks view, oldest first.
func (s *Store) ActiveTasks(ctx context.Context) ([]ActiveTask, error) {
	var tasks []ActiveTask
	err := s.DB.WithContext(ctx).
		Raw(`SELECT id, task_type, priority, status, claimed_by, retry_count, run_after, created_at, age_seconds
		     FROM active_tasks ORDER BY created_at ASC`).
		Scan(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("read active_tasks: %w", err)
	}
	return tasks, nil
}
