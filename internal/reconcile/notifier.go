// Package reconcile fans out items-changed notifications after a mutating
// function call. Delivery is confirmed rather than fire-and-forget: every
// subscriber holds a one-slot mailbox and concurrent notifications coalesce
// into the latest revision, so a subscriber that reads its channel is
// guaranteed to observe a revision at or beyond every published change.
package reconcile

import (
	"sync"
	"time"
)

// Change describes one published item-state change.
type Change struct {
	// Revision increases by one for every Notify call. A subscriber that
	// sees revision N has observed the effects of all changes up to N.
	Revision uint64

	// At is when the change was published.
	At time.Time
}

// Notifier is a coalescing publish/subscribe hub for items-changed events.
// The zero value is not usable; construct with [NewNotifier].
// All methods are safe for concurrent use.
type Notifier struct {
	mu       sync.Mutex
	revision uint64
	subs     map[int]chan Change
	nextID   int
	closed   bool
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Change)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel has a single slot: if the subscriber
// falls behind, pending revisions coalesce into the newest one instead of
// blocking the publisher or being dropped. The channel is closed on
// unsubscribe and on [Notifier.Close].
func (n *Notifier) Subscribe() (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Change, 1)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	unsubscribe := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Notify publishes a new revision to all subscribers and returns it.
// It never blocks: a subscriber with an unread pending change has that
// change replaced by the newer revision.
func (n *Notifier) Notify() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return n.revision
	}
	n.revision++
	change := Change{Revision: n.revision, At: time.Now()}

	for _, ch := range n.subs {
		select {
		case ch <- change:
		default:
			// Mailbox full: replace the stale pending change.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- change:
			default:
			}
		}
	}
	return n.revision
}

// Revision returns the most recently published revision.
func (n *Notifier) Revision() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.revision
}

// Close closes all subscriber channels. Subsequent Notify calls are no-ops
// and subsequent Subscribe calls return a closed channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
