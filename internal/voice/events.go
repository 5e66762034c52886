package voice

import (
	"sync"
	"time"

	"github.com/daygrid/daygrid/internal/dispatch"
	"github.com/daygrid/daygrid/pkg/live"
)

// EventKind classifies the signals a session publishes to UI observers.
type EventKind int

const (
	// EventStateChanged reports a state machine transition (From, To).
	EventStateChanged EventKind = iota

	// EventListeningChanged reports a change of the listening flag (Active).
	EventListeningChanged

	// EventSpeakingChanged reports a change of the speaking flag (Active).
	EventSpeakingChanged

	// EventTranscript carries one transcript fragment (Transcript).
	EventTranscript

	// EventCall reports a function-call lifecycle step (CallName, CallStatus).
	EventCall

	// EventItemsChanged signals that the item store mutated and observers
	// should re-read current state (Revision).
	EventItemsChanged
)

// String returns the human-readable event kind.
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "STATE_CHANGED"
	case EventListeningChanged:
		return "LISTENING_CHANGED"
	case EventSpeakingChanged:
		return "SPEAKING_CHANGED"
	case EventTranscript:
		return "TRANSCRIPT"
	case EventCall:
		return "CALL"
	case EventItemsChanged:
		return "ITEMS_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Event is one observable signal from a session. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind EventKind
	At   time.Time

	// From and To are set for EventStateChanged.
	From, To State

	// Active is set for EventListeningChanged and EventSpeakingChanged.
	Active bool

	// Transcript is set for EventTranscript.
	Transcript live.Transcript

	// CallName and CallStatus are set for EventCall.
	CallName   string
	CallStatus dispatch.CallStatus

	// Revision is set for EventItemsChanged.
	Revision uint64
}

// eventBuf is the per-subscriber channel depth. When an observer falls this
// far behind, its oldest pending event is replaced rather than blocking the
// session.
const eventBuf = 64

// Bus fans session events out to any number of observers. Publishing never
// blocks: a full subscriber mailbox loses its oldest event to make room for
// the newest, so slow observers see a gap, never a stall.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus returns an empty Bus ready for use.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers an observer and returns its event channel plus an
// unsubscribe function. Unsubscribing closes the channel; unsubscribing more
// than once is safe. Subscribing to a closed bus returns a closed channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, eventBuf)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				// Mailbox full: evict the oldest event and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close closes all subscriber channels. Publish and Subscribe become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
