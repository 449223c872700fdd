package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event mirrors a task lifecycle transition for live subscribers. The durable
// record is the task_logs table; the hub only feeds the admin SSE stream.
type Event struct {
	TaskID   uint64          `json:"task_id"`
	WorkerID string          `json:"worker_id,omitempty"`
	TS       time.Time       `json:"ts"`
	Kind     string          `json:"kind"` // task_logs event_type values
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Hub is an in-memory pub/sub broker for task events. Process-local only;
// each admin process sees the events of transitions it performed itself.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]map[chan Event]struct{}
	bufSize int
}

func NewHub(bufSize int) *Hub {
	return &Hub{
		subs:    make(map[uint64]map[chan Event]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe returns a channel of events for one task and an unsubscribe
// function. The channel closes on unsubscribe.
func (h *Hub) Subscribe(taskID uint64) (<-chan Event, func()) {
	ch := make(chan Event, h.bufSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[taskID]
	if set == nil {
		set = make(map[chan Event]struct{})
		h.subs[taskID] = set
	}
	set[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[taskID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, taskID)
			}
		}
		close(ch)
	}
}

// Publish sends an Event to all subscribers of its TaskID. Slow subscribers
// drop events rather than block a transition.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	set := h.subs[ev.TaskID]
	chs := make([]chan Event, 0, len(set))
	for ch := range set {
		chs = append(chs, ch)
	}
	h.mu.RUnlock()
	for _, ch := range chs {
		select {
		case ch <- ev:
		default:
		}
	}
}
