package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeJobQueued, Data: JobEvent{JobID: "j1"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeJobQueued {
				t.Fatalf("type=%q", e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("expected publish time to be set")
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped=%d want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	b.Publish(Event{Type: "after"})
}

func TestJobEventDuration(t *testing.T) {
	start := time.Now()
	e := JobEvent{StartedAt: start, FinishedAt: start.Add(3 * time.Second)}
	if e.Duration() != 3*time.Second {
		t.Fatalf("duration=%s", e.Duration())
	}
	if (JobEvent{}).Duration() != 0 {
		t.Fatalf("expected zero duration for unstarted job")
	}
}
