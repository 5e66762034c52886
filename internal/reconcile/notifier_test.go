package reconcile_test

import (
	"sync"
	"testing"
	"time"

	"github.com/daygrid/daygrid/internal/reconcile"
)

func TestSubscriberReceivesChange(t *testing.T) {
	t.Parallel()
	n := reconcile.NewNotifier()
	defer n.Close()

	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	rev := n.Notify()
	select {
	case change := <-ch:
		if change.Revision != rev {
			t.Errorf("revision: got %d, want %d", change.Revision, rev)
		}
		if change.At.IsZero() {
			t.Error("At not set")
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}

func TestSlowSubscriberCoalescesToLatest(t *testing.T) {
	t.Parallel()
	n := reconcile.NewNotifier()
	defer n.Close()

	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	// Publish several changes without the subscriber reading any of them.
	var last uint64
	for i := 0; i < 5; i++ {
		last = n.Notify()
	}

	change := <-ch
	if change.Revision != last {
		t.Errorf("got revision %d, want latest %d", change.Revision, last)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected second delivery: %+v", extra)
	default:
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	t.Parallel()
	n := reconcile.NewNotifier()
	defer n.Close()

	_, unsubscribe := n.Subscribe() // never read
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Notify()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on an unread subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	n := reconcile.NewNotifier()
	defer n.Close()

	ch, unsubscribe := n.Subscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after unsubscribe")
	}

	// A second unsubscribe must be harmless.
	unsubscribe()
	n.Notify()
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	t.Parallel()
	n := reconcile.NewNotifier()

	a, _ := n.Subscribe()
	b, _ := n.Subscribe()
	n.Close()

	if _, ok := <-a; ok {
		t.Error("subscriber a not closed")
	}
	if _, ok := <-b; ok {
		t.Error("subscriber b not closed")
	}

	// Post-close Subscribe returns an already-closed channel.
	c, _ := n.Subscribe()
	if _, ok := <-c; ok {
		t.Error("post-close subscription not closed")
	}
}

func TestConcurrentNotifyMonotonicRevisions(t *testing.T) {
	t.Parallel()
	n := reconcile.NewNotifier()
	defer n.Close()

	const publishers = 8
	const perPublisher = 50

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				n.Notify()
			}
		}()
	}
	wg.Wait()

	if got := n.Revision(); got != publishers*perPublisher {
		t.Errorf("revision: got %d, want %d", got, publishers*perPublisher)
	}
}
