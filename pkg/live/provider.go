// Package live defines the Provider interface for real-time voice model peers.
//
// A live provider wraps a remote generative-model service that accepts raw
// audio input and streams synthesised audio output over a single, stateful
// duplex session. During the session the model may request function calls;
// these arrive as raw wire payloads so that one normalisation step downstream
// can absorb the historical shape differences between peers.
//
// The central abstraction is SessionHandle: a bidirectional, multiplexed
// channel that carries audio, transcripts, turn-boundary events, and function
// calls concurrently. Sessions are long-lived (seconds to minutes).
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies the speaker of a transcript fragment.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript is one recognised or generated text fragment.
type Transcript struct {
	// Role is the speaker this fragment belongs to.
	Role Role

	// Text is the fragment content. Fragments are deltas, not cumulative.
	Text string

	// Final marks the fragment as the settled form of the utterance; partial
	// fragments may be revised by later ones.
	Final bool

	// At is the local receive time.
	At time.Time
}

// EventKind classifies turn-boundary and lifecycle events reported by the peer.
type EventKind int

const (
	// EventSetupComplete is emitted once the peer confirms the session
	// configuration. Audio sent before this event may be discarded by the peer.
	EventSetupComplete EventKind = iota

	// EventSpeechStarted marks the peer-reported start of user speech.
	EventSpeechStarted

	// EventSpeechStopped marks the peer-reported end of user speech.
	EventSpeechStopped

	// EventTurnComplete marks the end of a model reply turn. Buffered audio
	// may still be playing locally when it arrives.
	EventTurnComplete

	// EventInterrupted signals that the model reply was cut off (barge-in).
	// Locally buffered audio for the turn should be discarded.
	EventInterrupted
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventSetupComplete:
		return "SETUP_COMPLETE"
	case EventSpeechStarted:
		return "SPEECH_STARTED"
	case EventSpeechStopped:
		return "SPEECH_STOPPED"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// Event is one turn-boundary or lifecycle signal from the peer.
type Event struct {
	Kind EventKind
	At   time.Time
}

// ToolDeclaration describes one function offered to the model. Parameters is
// a JSON-schema object in the shape both peers accept.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolResult is the outcome of one executed function call, sent back to the
// peer as the call's response. A failed execution is still a ToolResult — the
// failure travels as response data, not as a transport error.
type ToolResult struct {
	// ID is the call identifier assigned by the peer (may be empty for peers
	// that correlate by name only).
	ID string

	// Name is the function name the result answers.
	Name string

	// Response is the structured result payload.
	Response map[string]any
}

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Voice selects the model voice for synthesised output.
	Voice string

	// Instructions is the system-level prompt for the assistant.
	Instructions string

	// Tools is the set of function declarations offered to the model for the
	// lifetime of the session.
	Tools []ToolDeclaration
}

// Capabilities describes static properties of a live provider. The values are
// assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the PCM rate (Hz) the peer expects for SendAudio.
	InputSampleRate int

	// OutputSampleRate is the PCM rate (Hz) of the peer's audio output.
	OutputSampleRate int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the voice names available for this provider.
	Voices []string
}

// SessionHandle represents an open live session. It is an interface so tests
// can supply mock implementations without a network peer.
//
// The session is the hot path of the voice engine — every method must return
// quickly. Audio I/O is channel-based to avoid blocking the caller's audio
// path. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one raw s16le PCM chunk at the provider's input rate.
	// Returns an error if the session is closed or the transport rejects the
	// write.
	SendAudio(chunk []byte) error

	// SendToolResults returns function-call results to the peer and nudges it
	// to continue generating its reply (on peers that require an explicit
	// continue, e.g. a response.create event).
	SendToolResults(results []ToolResult) error

	// Audio returns a read-only channel emitting raw PCM chunks at the
	// provider's output rate as the model speaks. The channel is closed when
	// the session ends; check [SessionHandle.Err] afterwards. Consumers must
	// drain promptly to avoid stalling the receive loop.
	Audio() <-chan []byte

	// Events returns a read-only channel of turn-boundary and lifecycle
	// events, in arrival order. Closed when the session ends.
	Events() <-chan Event

	// Transcripts returns a read-only channel of transcript fragments for
	// both user and assistant speech. Closed when the session ends.
	Transcripts() <-chan Transcript

	// ToolCalls returns a read-only channel of raw function-call payloads
	// exactly as they arrived on the wire. Payload shape varies by peer and
	// protocol revision; callers normalise before use. Closed when the
	// session ends.
	ToolCalls() <-chan json.RawMessage

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly. Check after the Audio channel closes.
	Err() error

	// Close terminates the session, releases resources, and closes all
	// channels. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any real-time voice model backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned SessionHandle accepts audio immediately, though peers may
	// discard input until EventSetupComplete. The caller owns the handle and
	// is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider's model.
	Capabilities() Capabilities
}
