package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Claimed      uint64 `json:"claimed"`
	Completed    uint64 `json:"completed"`
	Failed       uint64 `json:"failed"`
	Requeued     uint64 `json:"requeued"`
	DeadLettered uint64 `json:"dead_lettered"`
	LeaseLost    uint64 `json:"lease_lost"`
	Swept        uint64 `json:"swept"`
}

// Metrics holds process-local counters for the poll/claim/report loop and
// the sweeper. Cross-process numbers live in the store's views, not here.
type Metrics struct {
	claimed      atomic.Uint64
	completed    atomic.Uint64
	failed       atomic.Uint64
	requeued     atomic.Uint64
	deadLettered atomic.Uint64
	leaseLost    atomic.Uint64
	swept        atomic.Uint64
}

func (m *Metrics) IncClaimed() { m.claimed.Add(1) }

func (m *Metrics) IncCompleted() { m.completed.Add(1) }

func (m *Metrics) IncFailed() { m.failed.Add(1) }

func (m *Metrics) IncRequeued() { m.requeued.Add(1) }

func (m *Metrics) IncDeadLettered() { m.deadLettered.Add(1) }

func (m *Metrics) IncLeaseLost() { m.leaseLost.Add(1) }

func (m *Metrics) AddSwept(n uint64) { m.swept.Add(n) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Claimed:      m.claimed.Load(),
		Completed:    m.completed.Load(),
		Failed:       m.failed.Load(),
		Requeued:     m.requeued.Load(),
		DeadLettered: m.deadLettered.Load(),
		LeaseLost:    m.leaseLost.Load(),
		Swept:        m.swept.Load(),
	}
}

var Default Metrics

// Every runs f on a ticker until the returned stop function is called.
func Every(d time.Duration, f func()) func() {
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				f()
			}
		}
	}()
	return func() { close(stop) }
}
