package events

import (
	"testing"
	"time"
)

func TestSubscribePublish(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe(7)
	defer cancel()

	h.Publish(Event{TaskID: 7, Kind: "claimed", WorkerID: "w-1", TS: time.Now()})
	h.Publish(Event{TaskID: 8, Kind: "claimed", WorkerID: "w-1", TS: time.Now()})

	select {
	case ev := <-ch:
		if ev.TaskID != 7 || ev.Kind != "claimed" {
			t.Fatalf("got event %+v, want claimed for task 7", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-ch:
		t.Fatalf("got event for foreign task: %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe(1)
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must be a no-op, not a panic.
	h.Publish(Event{TaskID: 1, Kind: "completed"})
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe(3)
	defer cancel()

	h.Publish(Event{TaskID: 3, Kind: "created"})
	h.Publish(Event{TaskID: 3, Kind: "claimed"})
	h.Publish(Event{TaskID: 3, Kind: "started"})

	ev := <-ch
	if ev.Kind != "created" {
		t.Fatalf("Kind = %q, want the first buffered event", ev.Kind)
	}
	select {
	case ev := <-ch:
		t.Fatalf("buffer of one delivered extra event %+v", ev)
	default:
	}
}
