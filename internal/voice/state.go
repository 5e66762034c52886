// Package voice implements the session engine that ties a live provider to
// the audio pipelines and the function-call dispatcher.
//
// One Engine manages at most one active Session at a time. Connect returns an
// explicit handle owned by the caller; there is no ambient current-session
// state. The Session runs a small state machine:
//
//	Idle → Connecting → AwaitingSetup → Ready ⇄ Listening ⇄ Speaking
//
// with Error and Closed reachable from every state. Listening follows the
// peer's reported voice-activity boundaries, not local silence detection;
// Speaking starts on the first reply audio frame and ends a short grace
// period after the peer signals turn-complete, so buffered playback can
// finish.
package voice

import "fmt"

// State is the lifecycle phase of a voice session.
type State int

const (
	// StateIdle is the initial phase before Connect is called.
	StateIdle State = iota

	// StateConnecting covers the transport handshake.
	StateConnecting

	// StateAwaitingSetup means the transport is up but the peer has not yet
	// confirmed the session configuration. Audio sent now may be discarded.
	StateAwaitingSetup

	// StateReady means the session is fully established and idle.
	StateReady

	// StateListening means the peer reports the user is speaking.
	StateListening

	// StateSpeaking means reply audio is playing (or draining).
	StateSpeaking

	// StateError means the transport failed; teardown is in progress.
	StateError

	// StateClosed is the terminal phase. All resources are released.
	StateClosed
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingSetup:
		return "AWAITING_SETUP"
	case StateReady:
		return "READY"
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can leave s.
func (s State) Terminal() bool { return s == StateClosed }

// validNext lists the allowed forward transitions. StateError and StateClosed
// are reachable from every state and are not listed.
var validNext = map[State][]State{
	StateIdle:          {StateConnecting},
	StateConnecting:    {StateAwaitingSetup},
	StateAwaitingSetup: {StateReady},
	StateReady:         {StateListening, StateSpeaking},
	StateListening:     {StateReady, StateSpeaking},
	StateSpeaking:      {StateReady, StateListening},
	StateError:         {},
	StateClosed:        {},
}

// canTransition reports whether moving from → to is a legal state change.
func canTransition(from, to State) bool {
	if from == to {
		return false
	}
	if to == StateError || to == StateClosed {
		return from != StateClosed
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}
