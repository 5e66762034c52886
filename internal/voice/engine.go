package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daygrid/daygrid/internal/dispatch"
	"github.com/daygrid/daygrid/internal/itemstore"
	"github.com/daygrid/daygrid/internal/observe"
	"github.com/daygrid/daygrid/internal/reconcile"
	"github.com/daygrid/daygrid/pkg/audio"
	"github.com/daygrid/daygrid/pkg/live"
)

// ErrAlreadyConnecting is returned by Connect while another session of the
// same engine is still live. Disconnect the previous handle first.
var ErrAlreadyConnecting = errors.New("voice: a session is already active")

// errPeerClosed ends the pump group when the peer closes its streams. It is
// internal plumbing, never surfaced to callers.
var errPeerClosed = errors.New("voice: peer closed session")

// speakingGrace is how long Speaking persists after turn-complete so locally
// buffered reply audio can finish playing.
const speakingGrace = 500 * time.Millisecond

// DefaultPlaybackRate is the sample rate assumed for the local output device.
// Peers reply at their own rate (Gemini at 24 kHz); frames are resampled to
// this before scheduling.
const DefaultPlaybackRate = 48000

// SessionConfig selects the voice and system instructions for one session.
// The function schema offered to the model is fixed by the dispatcher.
type SessionConfig struct {
	Voice        string
	Instructions string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCaptureDevice sets the microphone source. Defaults to a SilenceDevice.
func WithCaptureDevice(d audio.CaptureDevice) Option {
	return func(e *Engine) { e.device = d }
}

// WithOutputSink sets the playback target. Defaults to a DiscardSink.
func WithOutputSink(sink audio.OutputSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithPlaybackRate sets the sample rate the output sink expects. Inbound
// reply audio is resampled to it before scheduling. Defaults to
// DefaultPlaybackRate.
func WithPlaybackRate(rate int) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.playbackRate = rate
		}
	}
}

// WithNotifier sets the reconciliation notifier shared with other consumers
// of item-change ticks. Defaults to an engine-owned notifier.
func WithNotifier(n *reconcile.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithCallLimits overrides the dispatcher admission bounds.
func WithCallLimits(maxPerMinute int, minInterval time.Duration) Option {
	return func(e *Engine) {
		e.maxCallsPerMinute = maxPerMinute
		e.minCallInterval = minInterval
	}
}

// Engine creates voice sessions against one live provider and one item store.
// At most one session is active at a time; Connect hands ownership of the
// session to the caller.
type Engine struct {
	provider live.Provider
	store    itemstore.Store
	device   audio.CaptureDevice
	sink     audio.OutputSink
	notifier *reconcile.Notifier
	metrics  *observe.Metrics
	log      *slog.Logger

	playbackRate      int
	maxCallsPerMinute int
	minCallInterval   time.Duration

	mu      sync.Mutex
	current *Session
}

// NewEngine creates an Engine. Options are applied in order.
func NewEngine(provider live.Provider, store itemstore.Store, opts ...Option) *Engine {
	e := &Engine{
		provider:          provider,
		store:             store,
		device:            &audio.SilenceDevice{},
		sink:              audio.DiscardSink{},
		notifier:          reconcile.NewNotifier(),
		metrics:           observe.DefaultMetrics(),
		log:               slog.Default(),
		playbackRate:      DefaultPlaybackRate,
		maxCallsPerMinute: dispatch.DefaultMaxCallsPerMinute,
		minCallInterval:   dispatch.DefaultMinCallInterval,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Notifier returns the reconciliation notifier the engine's dispatchers
// publish to.
func (e *Engine) Notifier() *reconcile.Notifier { return e.notifier }

// Connect establishes a new session. The returned Session is owned by the
// caller, who must call Disconnect when done. Connect fails with
// ErrAlreadyConnecting while a previous session is still live.
func (e *Engine) Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	e.mu.Lock()
	if e.current != nil && !e.current.State().Terminal() {
		e.mu.Unlock()
		return nil, ErrAlreadyConnecting
	}
	s := &Session{
		engine: e,
		bus:    NewBus(),
		state:  StateIdle,
		done:   make(chan struct{}),
	}
	e.current = s
	e.mu.Unlock()

	if err := s.connect(ctx, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// release clears the active-session slot once s has closed.
func (e *Engine) release(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == s {
		e.current = nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────

// Session is one live voice conversation: a transport handle plus the capture
// and playback pipelines and a serialized call dispatcher. All methods are
// safe for concurrent use.
type Session struct {
	engine     *Engine
	bus        *Bus
	handle     live.SessionHandle
	caps       live.Capabilities
	dispatcher *dispatch.Dispatcher
	capture    *audio.CapturePipeline
	player     *audio.Scheduler

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once

	mu         sync.Mutex
	state      State
	listening  bool
	speaking   bool
	lastErr    error
	speakTimer *time.Timer
	captureOn  bool
}

// connect performs the transport handshake and starts the pump goroutines.
func (s *Session) connect(ctx context.Context, cfg SessionConfig) error {
	e := s.engine
	s.setState(StateConnecting)

	start := time.Now()
	handle, err := e.provider.Connect(ctx, live.SessionConfig{
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
		Tools:        dispatch.ToolDeclarations(),
	})
	if err != nil {
		s.fail(err)
		return err
	}
	e.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	e.metrics.ActiveSessions.Add(ctx, 1)

	s.handle = handle
	s.caps = e.provider.Capabilities()

	s.dispatcher = dispatch.New(e.store,
		dispatch.WithLimiter(dispatch.NewLimiter(e.maxCallsPerMinute, e.minCallInterval)),
		dispatch.WithNotifier(e.notifier),
		dispatch.WithMetrics(e.metrics),
		dispatch.WithLogger(e.log),
		dispatch.WithCallObserver(func(name string, status dispatch.CallStatus) {
			s.bus.Publish(Event{Kind: EventCall, CallName: name, CallStatus: status})
		}),
	)
	if err := s.dispatcher.RefreshSnapshot(ctx); err != nil {
		e.log.Warn("initial item snapshot failed", "error", err)
	}

	s.capture = audio.NewCapturePipeline(e.device,
		audio.WithTargetRate(s.caps.InputSampleRate))
	s.player = audio.NewScheduler(e.sink,
		audio.WithOnUnderrun(func() {
			e.metrics.AudioUnderruns.Add(context.Background(), 1)
		}))

	s.setState(StateAwaitingSetup)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.run(runCtx)

	e.log.Info("voice session connected",
		"voice", cfg.Voice,
		"input_rate", s.caps.InputSampleRate,
		"output_rate", s.caps.OutputSampleRate)
	return nil
}

// fail marks a session that never got a transport handle as closed.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StateError)
	s.setState(StateClosed)
	close(s.done)
	s.engine.release(s)
	s.bus.Close()
}

// run drives the session pumps until the peer closes or ctx is cancelled,
// then tears the session down.
func (s *Session) run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatcher.Run(ctx) })
	g.Go(func() error { return s.pumpEvents(ctx) })
	g.Go(func() error { return s.pumpAudio(ctx) })
	g.Go(func() error { return s.pumpTranscripts(ctx) })
	g.Go(func() error { return s.pumpToolCalls(ctx) })
	g.Go(func() error { return s.pumpItemChanges(ctx) })

	err := g.Wait()
	if errors.Is(err, errPeerClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	if err == nil {
		err = s.handle.Err()
	}
	s.teardown(err)
}

// pumpEvents applies peer lifecycle events to the state machine.
func (s *Session) pumpEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.handle.Events():
			if !ok {
				return errPeerClosed
			}
			switch ev.Kind {
			case live.EventSetupComplete:
				s.setState(StateReady)
				s.startCapture(ctx)
			case live.EventSpeechStarted:
				s.setListening(true)
			case live.EventSpeechStopped:
				s.setListening(false)
			case live.EventTurnComplete:
				s.scheduleSpeakingExit()
			case live.EventInterrupted:
				s.StopSpeaking()
			}
		}
	}
}

// pumpAudio converts inbound reply audio to the sink's rate and schedules it
// for playback. The first frame of a turn flips the session into Speaking.
func (s *Session) pumpAudio(ctx context.Context) error {
	conv := &audio.FormatConverter{TargetRate: s.engine.playbackRate}
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-s.handle.Audio():
			if !ok {
				return errPeerClosed
			}
			seq++
			frame := conv.Convert(audio.AudioFrame{
				Data:       chunk,
				SampleRate: s.caps.OutputSampleRate,
				Seq:        seq,
			})
			if frame.Samples() == 0 {
				continue
			}
			s.enterSpeaking()
			s.player.Enqueue(frame)
		}
	}
}

func (s *Session) pumpTranscripts(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-s.handle.Transcripts():
			if !ok {
				return errPeerClosed
			}
			s.bus.Publish(Event{Kind: EventTranscript, Transcript: tr})
		}
	}
}

// pumpToolCalls feeds raw call payloads to the dispatcher. Parse failures are
// already counted and logged by Submit; the session keeps running.
func (s *Session) pumpToolCalls(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-s.handle.ToolCalls():
			if !ok {
				return errPeerClosed
			}
			_ = s.dispatcher.Submit(ctx, payload, s.handle)
		}
	}
}

// pumpItemChanges republishes store-change ticks to session observers.
func (s *Session) pumpItemChanges(ctx context.Context) error {
	changes, unsubscribe := s.engine.notifier.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			s.bus.Publish(Event{Kind: EventItemsChanged, Revision: c.Revision, At: c.At})
		}
	}
}

// startCapture acquires the microphone and begins streaming frames to the
// peer. Acquisition failure leaves the session connected with listening
// unavailable.
func (s *Session) startCapture(ctx context.Context) {
	s.mu.Lock()
	if s.captureOn {
		s.mu.Unlock()
		return
	}
	s.captureOn = true
	s.mu.Unlock()

	frames, err := s.capture.Start(ctx)
	if err != nil {
		s.mu.Lock()
		s.captureOn = false
		s.mu.Unlock()
		s.engine.log.Warn("capture unavailable, session continues without listening",
			"error", err)
		return
	}
	go s.pumpCapture(frames)
}

func (s *Session) pumpCapture(frames <-chan audio.AudioFrame) {
	for frame := range frames {
		if err := s.handle.SendAudio(frame.Data); err != nil {
			s.engine.log.Warn("audio send failed, stopping capture", "error", err)
			s.capture.Stop()
			return
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listening reports whether the peer currently detects user speech.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Speaking reports whether reply audio is playing or draining.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Err returns the error that terminated the session, nil while it is live or
// after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe registers a UI observer. The returned channel delivers session
// events until the session closes; call the cancel function to unsubscribe
// early.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.bus.Subscribe()
}

// Items returns the dispatcher's current item snapshot.
func (s *Session) Items() itemstore.Snapshot {
	return s.dispatcher.Snapshot()
}

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// StopListening releases the capture device. The session stays connected;
// SetupComplete will not rearm capture, a new session is needed for that.
func (s *Session) StopListening() {
	s.mu.Lock()
	wasOn := s.captureOn
	s.captureOn = false
	s.mu.Unlock()

	if wasOn {
		s.capture.Stop()
	}
	s.setListening(false)
}

// StopSpeaking hard-interrupts playback: the queue is cleared, the cursor
// reset, and the session drops out of Speaking immediately.
func (s *Session) StopSpeaking() {
	s.player.Stop()
	s.exitSpeaking()
}

// Disconnect closes the session and releases all audio resources. It blocks
// until teardown completes and is safe to call from any state, repeatedly.
func (s *Session) Disconnect() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.handle != nil {
			_ = s.handle.Close()
		}
	})
	<-s.done
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────

// setState applies a transition if it is legal and publishes the change.
func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.engine.log.Debug("session state", "from", from.String(), "to", to.String())
	s.bus.Publish(Event{Kind: EventStateChanged, From: from, To: to})
}

func (s *Session) setListening(on bool) {
	s.mu.Lock()
	if s.listening == on {
		s.mu.Unlock()
		return
	}
	s.listening = on
	s.mu.Unlock()

	if on {
		s.setState(StateListening)
	} else if s.State() == StateListening {
		s.setState(StateReady)
	}
	s.bus.Publish(Event{Kind: EventListeningChanged, Active: on})
}

// enterSpeaking flips the session into Speaking on the first reply frame and
// cancels any pending grace-period exit from the previous turn.
func (s *Session) enterSpeaking() {
	s.mu.Lock()
	if s.speakTimer != nil {
		s.speakTimer.Stop()
		s.speakTimer = nil
	}
	if s.speaking {
		s.mu.Unlock()
		return
	}
	s.speaking = true
	s.mu.Unlock()

	s.setState(StateSpeaking)
	s.bus.Publish(Event{Kind: EventSpeakingChanged, Active: true})
}

// scheduleSpeakingExit arms the post-turn grace timer so buffered playback
// can drain before Speaking ends.
func (s *Session) scheduleSpeakingExit() {
	s.mu.Lock()
	if !s.speaking {
		s.mu.Unlock()
		return
	}
	if s.speakTimer != nil {
		s.speakTimer.Stop()
	}
	s.speakTimer = time.AfterFunc(speakingGrace, s.exitSpeaking)
	s.mu.Unlock()
}

func (s *Session) exitSpeaking() {
	s.mu.Lock()
	if s.speakTimer != nil {
		s.speakTimer.Stop()
		s.speakTimer = nil
	}
	if !s.speaking {
		s.mu.Unlock()
		return
	}
	s.speaking = false
	wasListening := s.listening
	s.mu.Unlock()

	if wasListening {
		s.setState(StateListening)
	} else {
		s.setState(StateReady)
	}
	s.bus.Publish(Event{Kind: EventSpeakingChanged, Active: false})
}

// teardown releases every resource and moves the session to Closed. Called
// exactly once, from run.
func (s *Session) teardown(err error) {
	s.capture.Stop()
	if dropped := s.capture.Dropped(); dropped > 0 {
		s.engine.metrics.CaptureDropped.Add(context.Background(), int64(dropped))
	}
	s.player.Stop()
	s.player.Close()

	// Keep the provider receive loop unblocked while the transport closes.
	go audio.Drain(s.handle.Audio())
	go audio.Drain(s.handle.Events())
	go audio.Drain(s.handle.Transcripts())
	go audio.Drain(s.handle.ToolCalls())
	_ = s.handle.Close()

	s.mu.Lock()
	if s.speakTimer != nil {
		s.speakTimer.Stop()
		s.speakTimer = nil
	}
	s.lastErr = err
	s.listening = false
	s.speaking = false
	s.mu.Unlock()

	if err != nil {
		s.engine.log.Error("voice session failed", "error", err)
		s.setState(StateError)
	}
	s.setState(StateClosed)

	s.engine.metrics.ActiveSessions.Add(context.Background(), -1)
	s.engine.release(s)
	s.bus.Close()
	close(s.done)
}
