// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime API protocol. Audio is
// transmitted as base64-encoded PCM16 chunks; unlike Gemini Live, this peer
// reports explicit voice-activity boundaries (input_audio_buffer.speech_started
// / speech_stopped) and requires an explicit response.create nudge after tool
// results are returned.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/daygrid/daygrid/pkg/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// The Realtime API speaks 24 kHz PCM16 in both directions.
	inputSampleRate  = 24000
	outputSampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:    inputSampleRate,
		OutputSampleRate:   outputSampleRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new OpenAI Realtime session with the given
// configuration. The returned SessionHandle accepts audio immediately after
// the session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		audioCh:     make(chan []byte, 64),
		eventCh:     make(chan live.Event, 16),
		transcripts: make(chan live.Transcript, 16),
		toolCalls:   make(chan json.RawMessage, 8),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	audioCh     chan []byte
	eventCh     chan live.Event
	transcripts chan live.Transcript
	toolCalls   chan json.RawMessage

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, tools and audio formats.
func (s *session) sendSessionUpdate(cfg live.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
	}
	if len(cfg.Tools) > 0 {
		params.Tools = make([]oaiTool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			params.Tools[i] = oaiTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the outbound channels and closes them all when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt, data)
	}
}

func (s *session) handleServerEvent(evt *serverEvent, raw []byte) {
	switch evt.Type {
	case "session.created":
		s.emitEvent(live.EventSetupComplete)

	case "input_audio_buffer.speech_started":
		s.emitEvent(live.EventSpeechStarted)

	case "input_audio_buffer.speech_stopped":
		s.emitEvent(live.EventSpeechStopped)

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		select {
		case s.audioCh <- audioData:
		case <-s.ctx.Done():
		}

	case "response.audio_transcript.delta":
		if evt.Delta != "" {
			s.emitTranscript(live.RoleAssistant, evt.Delta, false)
		}

	case "response.audio_transcript.done":
		if evt.Transcript != "" {
			s.emitTranscript(live.RoleAssistant, evt.Transcript, true)
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			s.emitTranscript(live.RoleUser, evt.Transcript, true)
		}

	case "response.function_call_arguments.done":
		// Forward the raw event; it carries {name, arguments, call_id} which
		// the normalisation step downstream recognises as the single-object
		// call shape.
		payload := make(json.RawMessage, len(raw))
		copy(payload, raw)
		select {
		case s.toolCalls <- payload:
		case <-s.ctx.Done():
		}

	case "response.done":
		s.emitEvent(live.EventTurnComplete)

	case "response.cancelled":
		s.emitEvent(live.EventInterrupted)
	}
}

func (s *session) emitEvent(kind live.EventKind) {
	select {
	case s.eventCh <- live.Event{Kind: kind, At: time.Now()}:
	case <-s.ctx.Done():
	}
}

func (s *session) emitTranscript(role live.Role, text string, final bool) {
	select {
	case s.transcripts <- live.Transcript{Role: role, Text: text, Final: final, At: time.Now()}:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.eventCh)
		close(s.transcripts)
		close(s.toolCalls)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk (24 kHz, mono) to the model.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendToolResults returns function-call results as function_call_output items
// and nudges the model to continue with response.create.
func (s *session) SendToolResults(results []live.ToolResult) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	if len(results) == 0 {
		return nil
	}

	for _, r := range results {
		output, err := json.Marshal(r.Response)
		if err != nil {
			return fmt.Errorf("openai: marshal tool result: %w", err)
		}
		if err := s.writeJSON(createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:   "function_call_output",
				CallID: r.ID,
				Output: string(output),
			},
		}); err != nil {
			return err
		}
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// Audio returns the channel on which the model's synthesised audio arrives.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Events returns the channel on which turn-boundary events arrive.
func (s *session) Events() <-chan live.Event { return s.eventCh }

// Transcripts returns the channel on which transcript fragments arrive.
func (s *session) Transcripts() <-chan live.Transcript { return s.transcripts }

// ToolCalls returns the channel on which raw function-call payloads arrive.
func (s *session) ToolCalls() <-chan json.RawMessage { return s.toolCalls }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
