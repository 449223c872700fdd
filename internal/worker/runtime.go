package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/crawlworks/duraq/internal/metrics"
	"github.com/crawlworks/duraq/internal/queue"
)

// Config drives one worker runtime instance.
type Config struct {
	ID                string
	Strategy          string
	Lease             time.Duration
	HeartbeatInterval time.Duration
	Backoff           BackoffConfig
	// MaxClaimRate caps claim attempts per second; zero disables the cap.
	MaxClaimRate float64
}

// Runtime is the poll/claim/execute/report loop for a single worker. Each
// runtime is an independent sequential loop; concurrency comes from running
// several of them, in one process or many.
type Runtime struct {
	store    *queue.Store
	strategy queue.ClaimStrategy
	registry Registry
	cfg      Config
	log      *logrus.Entry
	clock    Clock
	limiter  *rate.Limiter
	metrics  *metrics.Metrics

	backoff time.Duration

	mu      sync.Mutex
	current *uint64
}

type Option func(*Runtime)

// WithClock substitutes the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// WithMetrics points the runtime at a shared counter set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// New builds a runtime. An empty cfg.ID gets a generated worker id; an empty
// strategy defaults to FIFO.
func New(store *queue.Store, registry Registry, cfg Config, log *logrus.Logger, opts ...Option) (*Runtime, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = queue.StrategyFIFO
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.Lease / 3
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = BackoffConfig{Base: 5 * time.Second, Multiplier: 1.5, Max: 60 * time.Second}
	}

	strategy, err := queue.NewStrategy(store, cfg.Strategy, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		store:    store,
		strategy: strategy,
		registry: registry,
		cfg:      cfg,
		log:      log.WithFields(logrus.Fields{"worker_id": cfg.ID, "strategy": cfg.Strategy}),
		clock:    RealClock(),
		metrics:  &metrics.Default,
	}
	if cfg.MaxClaimRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.MaxClaimRate), 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ID returns the worker id the runtime claims with.
func (r *Runtime) ID() string { return r.cfg.ID }

// Run polls until ctx is cancelled. An in-flight task is reported before
// returning; claims stop immediately.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.store.RegisterWorker(ctx, r.cfg.ID, r.cfg.Strategy); err != nil {
		return err
	}
	r.log.Info("worker started")

	stopHB := r.startHeartbeat(ctx)
	defer stopHB()

	r.backoff = 0
	for {
		select {
		case <-ctx.Done():
			r.log.Info("worker stopping")
			return nil
		default:
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		task, err := r.strategy.Claim(ctx, r.cfg.ID, r.cfg.Lease)
		if errors.Is(err, queue.ErrNoTask) {
			r.backoff = NextBackoff(r.backoff, r.cfg.Backoff)
			r.clock.Sleep(ctx, r.backoff)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.WithError(err).Error("claim failed")
			r.clock.Sleep(ctx, r.cfg.Backoff.Base)
			continue
		}

		r.backoff = 0
		r.metrics.IncClaimed()
		r.execute(ctx, task)
	}
}

func (r *Runtime) setCurrent(id *uint64) {
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
}

func (r *Runtime) currentTask() *uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// startHeartbeat keeps the worker's liveness row fresh whether or not a task
// is in flight. Lease renewal for the task itself is the lease keeper's job.
func (r *Runtime) startHeartbeat(ctx context.Context) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.store.Heartbeat(hbCtx, r.cfg.ID, r.currentTask()); err != nil && hbCtx.Err() == nil {
					r.log.WithError(err).Warn("heartbeat failed")
				}
			}
		}
	}()
	return cancel
}

func (r *Runtime) execute(ctx context.Context, t *queue.Task) {
	taskLog := r.log.WithFields(logrus.Fields{"task_id": t.ID, "task_type": t.TaskType})
	r.setCurrent(&t.ID)
	defer r.setCurrent(nil)

	if err := r.store.MarkRunning(ctx, t.ID, r.cfg.ID); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			r.reportLost(ctx, taskLog, t.ID)
		} else {
			taskLog.WithError(err).Error("mark running failed")
		}
		return
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	var lost, cancelled bool
	var flagMu sync.Mutex
	done := make(chan struct{})
	stopped := make(chan struct{})
	go r.keepLease(ctx, t.ID, done, stopped, func(isCancelled bool) {
		flagMu.Lock()
		if isCancelled {
			cancelled = true
		} else {
			lost = true
		}
		flagMu.Unlock()
		cancelExec()
	})

	executor, ok := r.registry.Lookup(t.TaskType)
	if !ok {
		close(done)
		<-stopped
		// Nothing can ever run this; dead-letter instead of retrying.
		r.reportFailure(ctx, taskLog, t.ID, "no executor registered for type "+t.TaskType, false)
		return
	}

	result, retryable, execErr := executor.Execute(execCtx, t.Parameters)

	close(done)
	<-stopped

	flagMu.Lock()
	wasCancelled, wasLost := cancelled, lost
	flagMu.Unlock()

	if wasCancelled {
		// The cancel wrote the terminal row already; nothing left to commit.
		taskLog.Info("task cancelled at checkpoint")
		return
	}
	if wasLost {
		r.metrics.IncLeaseLost()
		taskLog.Warn("lease lost during execution, result discarded")
		return
	}

	reportCtx, cancelReport := reportContext(ctx)
	defer cancelReport()

	if execErr != nil {
		// Shutdown interrupted the executor: requeue promptly instead of
		// charging the task with a real failure classification.
		if ctx.Err() != nil && errors.Is(execErr, context.Canceled) {
			retryable = true
		}
		r.reportFailure(reportCtx, taskLog, t.ID, execErr.Error(), retryable)
		return
	}

	if err := r.store.Complete(reportCtx, t.ID, r.cfg.ID, result); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			r.reportLost(reportCtx, taskLog, t.ID)
			return
		}
		taskLog.WithError(err).Error("complete failed")
		return
	}
	r.metrics.IncCompleted()
	taskLog.Info("task completed")
}

func (r *Runtime) reportFailure(ctx context.Context, taskLog *logrus.Entry, taskID uint64, msg string, retryable bool) {
	requeued, err := r.store.Fail(ctx, taskID, r.cfg.ID, msg, retryable)
	if errors.Is(err, queue.ErrLeaseLost) {
		r.reportLost(ctx, taskLog, taskID)
		return
	}
	if err != nil {
		taskLog.WithError(err).Error("fail report failed")
		return
	}
	r.metrics.IncFailed()
	if requeued {
		r.metrics.IncRequeued()
		taskLog.WithField("error", msg).Warn("task failed, requeued")
	} else {
		r.metrics.IncDeadLettered()
		taskLog.WithField("error", msg).Error("task dead-lettered")
	}
}

// reportLost logs why a terminal commit was rejected: either an operator
// cancellation or a sweeper reclaim after a missed heartbeat.
func (r *Runtime) reportLost(ctx context.Context, taskLog *logrus.Entry, taskID uint64) {
	if t, err := r.store.Get(ctx, taskID); err == nil && t.Status == queue.StatusCancelled {
		taskLog.Info("task cancelled at checkpoint")
		return
	}
	r.metrics.IncLeaseLost()
	taskLog.Warn("lease no longer held, report dropped")
}

// keepLease renews the task lease and heartbeat while execution runs. On
// lease loss it classifies the reason and cancels the executor context via
// onStop(cancelled).
func (r *Runtime) keepLease(ctx context.Context, taskID uint64, done <-chan struct{}, stopped chan<- struct{}, onStop func(cancelled bool)) {
	defer close(stopped)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.store.RenewLease(ctx, taskID, r.cfg.ID, r.cfg.Lease)
			if errors.Is(err, queue.ErrLeaseLost) {
				cancelled := false
				if t, gerr := r.store.Get(ctx, taskID); gerr == nil && t.Status == queue.StatusCancelled {
					cancelled = true
				}
				onStop(cancelled)
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log.WithError(err).Warn("lease renewal failed, will retry")
				continue
			}
			tid := taskID
			_ = r.store.Heartbeat(ctx, r.cfg.ID, &tid)
		}
	}
}

// reportContext detaches terminal reports from loop cancellation so a task
// finishing during shutdown still lands its status, bounded so shutdown
// cannot hang.
func reportContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
