package queue

import (
	"encoding/json"
	"time"
)

// Task statuses. claimed/running imply a live lease; completed, failed and
// cancelled are terminal and never left.
const (
	StatusQueued    = "queued"
	StatusClaimed   = "claimed"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Audit event types recorded in task_logs.
const (
	EventCreated   = "created"
	EventClaimed   = "claimed"
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetry     = "retry"
)

// Priority bounds. Lower numbers are more important.
const (
	MinPriority = 1
	MaxPriority = 10
)

// IsTerminal reports whether a status can never change again.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Task struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskType       string          `gorm:"column:task_type;type:text;not null;index" json:"task_type"`
	Parameters     json.RawMessage `gorm:"type:text;not null" json:"parameters"`
	Priority       int             `gorm:"not null;default:5;index;check:priority >= 1 AND priority <= 10" json:"priority"`
	RunAfter       time.Time       `gorm:"column:run_after;not null;index" json:"run_after"`
	Status         string          `gorm:"type:text;not null;default:'queued';index;check:status IN ('queued','claimed','running','completed','failed','cancelled')" json:"status"`
	ClaimedBy      *string         `gorm:"column:claimed_by;type:text;index" json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time      `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	LeaseUntil     *time.Time      `gorm:"column:lease_until;index" json:"lease_until,omitempty"`
	RetryCount     int             `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries     int             `gorm:"column:max_retries;not null;default:3;check:retry_count <= max_retries" json:"max_retries"`
	ResultData     *string         `gorm:"column:result_data;type:text" json:"result_data,omitempty"`
	ErrorMessage   *string         `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	IdempotencyKey *string         `gorm:"column:idempotency_key;type:text;uniqueIndex" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"not null" json:"updated_at"`
	CompletedAt    *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Task) TableName() string { return "task_queue" }

type WorkerHeartbeat struct {
	WorkerID       string    `gorm:"column:worker_id;primaryKey;type:text" json:"worker_id"`
	LastHeartbeat  time.Time `gorm:"column:last_heartbeat;not null;index" json:"last_heartbeat"`
	TasksProcessed int64     `gorm:"column:tasks_processed;not null;default:0" json:"tasks_processed"`
	TasksFailed    int64     `gorm:"column:tasks_failed;not null;default:0" json:"tasks_failed"`
	CurrentTaskID  *uint64   `gorm:"column:current_task_id" json:"current_task_id,omitempty"`
	CurrentTask    *Task     `gorm:"foreignKey:CurrentTaskID;references:ID" json:"-"`
	Strategy       string    `gorm:"type:text;not null" json:"strategy"`
	StartedAt      time.Time `gorm:"column:started_at;not null" json:"started_at"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

func (WorkerHeartbeat) TableName() string { return "worker_heartbeats" }

// TaskLog rows are append-only; nothing in the store updates or deletes them.
type TaskLog struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    uint64          `gorm:"column:task_id;not null;index" json:"task_id"`
	Task      *Task           `gorm:"foreignKey:TaskID;references:ID" json:"-"`
	WorkerID  *string         `gorm:"column:worker_id;type:text" json:"worker_id,omitempty"`
	EventType string          `gorm:"column:event_type;type:text;not null" json:"event_type"`
	Message   string          `gorm:"type:text" json:"message"`
	Details   json.RawMessage `gorm:"type:text" json:"details,omitempty"`
	Timestamp time.Time       `gorm:"not null;index" json:"timestamp"`
}

func (TaskLog) TableName() string { return "task_logs" }
