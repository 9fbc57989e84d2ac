package events

import (
	"testing"
	"time"
)

func TestPublish_FansOutToSubscribers(t *testing.T) {
	b := New(nil, "", nil)

	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Type: TypeJobTransition, JobID: "j1", JobStatus: "running"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.JobID != "j1" {
				t.Errorf("subscriber %d: got job %s, want j1", i, e.JobID)
			}
			if e.Time.IsZero() {
				t.Errorf("subscriber %d: event time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event delivered", i)
		}
	}
}

func TestPublish_DropsWhenSubscriberLags(t *testing.T) {
	b := New(nil, "", nil)

	ch, cancel := b.Subscribe(1)
	defer cancel()

	// Fill the buffer, then publish past it. Must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TypePoolChange, PoolSize: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a lagging subscriber")
	}

	// Exactly the buffered event survives.
	if e := <-ch; e.Type != TypePoolChange {
		t.Errorf("got %s, want pool_change", e.Type)
	}
}

func TestCancel_StopsDelivery(t *testing.T) {
	b := New(nil, "", nil)

	ch, cancel := b.Subscribe(4)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(Event{Type: TypeAccountHealth, AccountID: "acct-1"})
}
