package queue

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/crawlworks/duraq/internal/events"
)

// Connection tuning. The store is one WAL-mode file shared by every worker
// process on the host; writers serialize inside SQLite, readers run alongside.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA wal_autocheckpoint=1000",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA cache_size=-20000",
	"PRAGMA foreign_keys=ON",
}

// Bounded retry for writes that still hit SQLITE_BUSY after the driver's
// busy_timeout. Never unbounded.
const (
	busyAttempts  = 5
	busyBaseDelay = 10 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

type Store struct {
	DB  *gorm.DB
	log *logrus.Logger
	hub *events.Hub
}

// Open opens or creates the queue database file, applies connection tuning
// and migrates the schema.
func Open(path string, log *logrus.Logger) (*Store, error) {
	// Quiet gorm logger: errors only, record-not-found is an expected case.
	gl := gormlogger.New(
		stdlog.New(os.Stdout, "", stdlog.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Error,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	for _, p := range pragmas {
		if err := db.Exec(p).Error; err != nil {
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	s := &Store{DB: db, log: log}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	s.log.WithField("path", path).Debug("queue store opened")
	return s, nil
}

// AttachHub wires an in-process event hub. Lifecycle events are published to
// it after their transaction commits; a nil hub disables publishing.
func (s *Store) AttachHub(h *events.Hub) { s.hub = h }

func (s *Store) migrate() error {
	if err := s.DB.AutoMigrate(&Task{}, &WorkerHeartbeat{}, &TaskLog{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	for _, view := range []string{activeTasksView, workerStatusView, taskStatsView} {
		if err := s.DB.Exec(view).Error; err != nil {
			return fmt.Errorf("create view: %w", err)
		}
	}
	return nil
}

const activeTasksView = `
CREATE VIEW IF NOT EXISTS active_tasks AS
SELECT id, task_type, priority, status, claimed_by, retry_count, run_after, created_at,
       CAST(strftime('%s','now') - strftime('%s', created_at) AS INTEGER) AS age_seconds
FROM task_queue
WHERE status IN ('queued','claimed','running')`

const workerStatusView = `
CREATE VIEW IF NOT EXISTS worker_status AS
SELECT w.worker_id, w.last_heartbeat, w.tasks_processed, w.tasks_failed,
       w.strategy, w.started_at,
       t.id AS current_task_id, t.task_type AS current_task_type, t.status AS current_task_status
FROM worker_heartbeats w
LEFT JOIN task_queue t ON t.id = w.current_task_id`

const taskStatsView = `
CREATE VIEW IF NOT EXISTS task_stats AS
SELECT task_type, status, COUNT(*) AS count, AVG(retry_count) AS avg_retries,
       MIN(created_at) AS oldest, MAX(created_at) AS newest
FROM task_queue
GROUP BY task_type, status`

// writeTx runs fn in a transaction, retrying on lock contention with
// exponential backoff up to busyAttempts. Non-busy errors pass through.
func (s *Store) writeTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 0; attempt < busyAttempts; attempt++ {
		err = s.DB.WithContext(ctx).Transaction(fn)
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > busyMaxDelay {
			delay = busyMaxDelay
		}
	}
	return fmt.Errorf("write retries exhausted: %w", err)
}

// appendLog records an audit entry inside the caller's transaction so the
// trail cannot disagree with the row it describes.
func appendLog(tx *gorm.DB, taskID uint64, workerID *string, eventType, message string, details []byte) error {
	entry := TaskLog{
		TaskID:    taskID,
		WorkerID:  workerID,
		EventType: eventType,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	return tx.Create(&entry).Error
}

// publish emits a hub event after commit. Best effort; the durable trail is
// task_logs.
func (s *Store) publish(taskID uint64, workerID *string, eventType, message string) {
	if s.hub == nil {
		return
	}
	wid := ""
	if workerID != nil {
		wid = *workerID
	}
	s.hub.Publish(events.Event{
		TaskID:   taskID,
		WorkerID: wid,
		TS:       time.Now().UTC(),
		Kind:     eventType,
		Message:  message,
	})
}

// Logs returns the audit trail for one task, oldest first.
func (s *Store) Logs(ctx context.Context, taskID uint64, limit int) ([]TaskLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []TaskLog
	err := s.DB.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return logs, nil
}
