// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the peer-side streams (audio, events, transcripts, tool
// calls) and inspect what the engine sent back.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.EventCh <- live.Event{Kind: live.EventSetupComplete}
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/daygrid/daygrid/pkg/live"
)

// Compile-time assertions that the mocks satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.SessionHandle = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session.
	Session live.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities. Zero-value rate
	// fields default to 16000 in / 24000 out so engine wiring works without
	// per-test setup.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities with rate defaults applied.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.ProviderCapabilities
	if caps.InputSampleRate == 0 {
		caps.InputSampleRate = 16000
	}
	if caps.OutputSampleRate == 0 {
		caps.OutputSampleRate = 24000
	}
	return caps
}

// Connects returns a snapshot of recorded Connect calls.
func (p *Provider) Connects() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Session is a scriptable mock implementation of live.SessionHandle.
// Tests drive the exported channels directly; the engine-facing sends are
// recorded for inspection.
type Session struct {
	AudioCh       chan []byte
	EventCh       chan live.Event
	TranscriptsCh chan live.Transcript
	ToolCallCh    chan json.RawMessage

	mu          sync.Mutex
	sentAudio   [][]byte
	sentResults [][]live.ToolResult
	errVal      error
	sendErr     error
	closed      bool
	closeOnce   sync.Once
}

// NewSession returns a Session with buffered channels ready for use.
func NewSession() *Session {
	return &Session{
		AudioCh:       make(chan []byte, 64),
		EventCh:       make(chan live.Event, 16),
		TranscriptsCh: make(chan live.Transcript, 16),
		ToolCallCh:    make(chan json.RawMessage, 8),
	}
}

// SendAudio records the chunk. Returns SendErr if set via FailSends.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sentAudio = append(s.sentAudio, cp)
	return nil
}

// SendToolResults records the results. Returns SendErr if set via FailSends.
func (s *Session) SendToolResults(results []live.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	cp := make([]live.ToolResult, len(results))
	copy(cp, results)
	s.sentResults = append(s.sentResults, cp)
	return nil
}

// FailSends makes subsequent SendAudio/SendToolResults calls return err.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SentAudio returns a snapshot of recorded audio chunks.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sentAudio))
	copy(out, s.sentAudio)
	return out
}

// SentResults returns a snapshot of recorded tool-result batches.
func (s *Session) SentResults() [][]live.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]live.ToolResult, len(s.sentResults))
	copy(out, s.sentResults)
	return out
}

// SetErr sets the value returned by Err.
func (s *Session) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errVal = err
}

// Audio implements live.SessionHandle.
func (s *Session) Audio() <-chan []byte { return s.AudioCh }

// Events implements live.SessionHandle.
func (s *Session) Events() <-chan live.Event { return s.EventCh }

// Transcripts implements live.SessionHandle.
func (s *Session) Transcripts() <-chan live.Transcript { return s.TranscriptsCh }

// ToolCalls implements live.SessionHandle.
func (s *Session) ToolCalls() <-chan json.RawMessage { return s.ToolCallCh }

// Err implements live.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the session closed and closes all channels. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.AudioCh)
		close(s.EventCh)
		close(s.TranscriptsCh)
		close(s.ToolCallCh)
	})
	return nil
}
