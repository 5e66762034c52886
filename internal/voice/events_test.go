package voice

import (
	"testing"
	"time"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Publish(Event{Kind: EventStateChanged, From: StateIdle, To: StateConnecting})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Kind != EventStateChanged || ev.To != StateConnecting {
				t.Errorf("subscriber %s: got %+v", name, ev)
			}
			if ev.At.IsZero() {
				t.Errorf("subscriber %s: At not stamped", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s: no event", name)
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventBuf*4; i++ {
			bus.Publish(Event{Kind: EventItemsChanged, Revision: uint64(i + 1)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// The mailbox holds the newest events; the last published revision must
	// be among them.
	var last uint64
	for {
		select {
		case ev := <-ch:
			last = ev.Revision
			continue
		default:
		}
		break
	}
	if last != uint64(eventBuf*4) {
		t.Errorf("newest revision: got %d, want %d", last, eventBuf*4)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Kind: EventItemsChanged})
}

func TestBusCloseClosesAllAndDisablesSubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Close()
	bus.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after bus close")
	}

	late, _ := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Error("post-close Subscribe returned an open channel")
	}
}
