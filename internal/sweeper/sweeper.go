package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/crawlworks/duraq/internal/metrics"
	"github.com/crawlworks/duraq/internal/queue"
)

// Config drives the stale-lease sweeper.
type Config struct {
	Interval       time.Duration
	StaleThreshold time.Duration
	BatchSize      int
}

// Service periodically reclaims tasks whose lease expired silently and prunes
// heartbeat rows of workers presumed dead. It is safe to run several sweepers
// against one store; the guarded reclaim updates make the passes idempotent.
type Service struct {
	store   *queue.Store
	cfg     Config
	log     *logrus.Entry
	metrics *metrics.Metrics
	cron    *cron.Cron
}

func New(store *queue.Store, cfg Config, log *logrus.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		log:     log.WithField("component", "sweeper"),
		metrics: &metrics.Default,
	}
}

// Start schedules sweep passes until Stop is called.
func (s *Service) Start() error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron.Start()
	s.log.WithField("interval", s.cfg.Interval.String()).Info("sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce performs a single sweep pass: reclaim expired leases, then prune
// stale worker rows. Errors are logged, not fatal; the next pass retries.
func (s *Service) RunOnce(ctx context.Context) {
	res, err := s.store.ReclaimExpired(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("reclaim pass failed")
	} else if res.Requeued > 0 || res.DeadLettered > 0 {
		s.metrics.AddSwept(uint64(res.Requeued + res.DeadLettered))
		s.log.WithFields(logrus.Fields{
			"requeued":      res.Requeued,
			"dead_lettered": res.DeadLettered,
		}).Info("reclaimed expired leases")
	}

	stale, err := s.store.StaleWorkers(ctx, s.cfg.StaleThreshold)
	if err != nil {
		s.log.WithError(err).Error("stale worker scan failed")
		return
	}
	if len(stale) == 0 {
		return
	}
	for _, w := range stale {
		s.log.WithFields(logrus.Fields{
			"worker_id":      w.WorkerID,
			"last_heartbeat": w.LastHeartbeat,
		}).Warn("worker presumed dead")
	}
	if n, err := s.store.PurgeStaleWorkers(ctx, s.cfg.StaleThreshold); err != nil {
		s.log.WithError(err).Error("stale worker purge failed")
	} else if n > 0 {
		s.log.WithField("purged", n).Info("purged stale workers")
	}
}
