package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: "msg.sent", Data: "payload"})

	select {
	case ev := <-ch:
		if ev.Type != "msg.sent" {
			t.Fatalf("Type = %q", ev.Type)
		}
		if ev.Time.IsZero() {
			t.Fatal("publish must stamp a time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Nobody reads; the buffer fills and older events get evicted.
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "flood"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	if got := b.Dropped(); got < 99 {
		t.Fatalf("Dropped() = %d, want >= 99", got)
	}
}

func TestPublishKeepsNewestWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "old"})
	b.Publish(Event{Type: "new"})

	select {
	case ev := <-ch:
		if ev.Type != "new" {
			t.Fatalf("retained event = %q, want the newest", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "late"})
}

func TestMultipleSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(1)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(1)
	defer unsub2()

	b.Publish(Event{Type: "fanout"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != "fanout" {
				t.Fatalf("subscriber %d got %q", i, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d missed the event", i)
		}
	}
}
