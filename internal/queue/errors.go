package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrNoTask is returned by a claim when nothing is eligible, or when
	// another claimer won the race for the selected candidate.
	ErrNoTask = errors.New("no task available")

	// ErrLeaseLost is returned when a worker-side operation finds the row
	// no longer owned by the calling worker. The operation is a no-op.
	ErrLeaseLost = errors.New("lease no longer held")

	// ErrConflict is returned by conditional updates whose expected prior
	// status did not match the row.
	ErrConflict = errors.New("status conflict")
)

// ValidationError rejects malformed enqueue input before anything is stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// isBusy reports whether an error is SQLite lock contention worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
