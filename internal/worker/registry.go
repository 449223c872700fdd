package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"
)

// Executor implements the work for one task type. The queue never inspects
// params; it hands them through verbatim. retryable classifies a failure:
// true means the task may be requeued within its retry budget, false
// dead-letters it immediately.
type Executor interface {
	Execute(ctx context.Context, params json.RawMessage) (result any, retryable bool, err error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, params json.RawMessage) (any, bool, error)

func (f ExecutorFunc) Execute(ctx context.Context, params json.RawMessage) (any, bool, error) {
	return f(ctx, params)
}

// Registry maps task types to executors. Adding a task type touches only the
// registry, never the runtime.
type Registry map[string]Executor

func (r Registry) Register(taskType string, e Executor) {
	r[taskType] = e
}

func (r Registry) Lookup(taskType string) (Executor, bool) {
	e, ok := r[taskType]
	return e, ok
}

// Example executors for local runs.

func NoopExecutor(ctx context.Context, params json.RawMessage) (any, bool, error) {
	return map[string]string{"ok": "true"}, false, nil
}

func SlowMaybeFailExecutor(ctx context.Context, params json.RawMessage) (any, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-time.After(5 * time.Second):
	}
	if rand.Intn(2) == 0 {
		return map[string]string{"ok": "true"}, false, nil
	}
	return nil, true, errors.New("transient failure")
}

func ErrExecutor(ctx context.Context, params json.RawMessage) (any, bool, error) {
	return nil, false, errors.New("executor error: forced failure")
}

func DefaultRegistry() Registry {
	return Registry{
		"noop":        ExecutorFunc(NoopExecutor),
		"slow_flaky":  ExecutorFunc(SlowMaybeFailExecutor),
		"always_fail": ExecutorFunc(ErrExecutor),
	}
}
