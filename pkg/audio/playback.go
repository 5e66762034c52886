package audio

import (
	"sync"
	"time"
)

// defaultPlaybackQueueCap is the initial capacity hint for the playback queue.
const defaultPlaybackQueueCap = 32

// SchedulerOption configures a [Scheduler] during construction.
type SchedulerOption func(*Scheduler)

// WithClock overrides the wall clock. Used in tests to make scheduling
// deterministic.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithOnUnderrun registers a callback invoked whenever the cursor has fallen
// behind the clock and was reset to "now". The callback runs on the caller's
// goroutine and must not block.
func WithOnUnderrun(fn func()) SchedulerOption {
	return func(s *Scheduler) { s.onUnderrun = fn }
}

// scheduledFrame pairs a frame with its computed start time.
type scheduledFrame struct {
	frame AudioFrame
	start time.Time
}

// Scheduler produces gapless, drift-free playback from bursty frame arrival.
//
// It keeps a single accumulating play-time cursor: each enqueued frame is
// scheduled to start exactly at the cursor and the cursor then advances by the
// frame's duration. Frames therefore play back-to-back regardless of arrival
// jitter, as long as each frame arrives before the cursor catches up to the
// clock. If the cursor has fallen behind the clock when a frame arrives
// (underrun — nothing was scheduled recently), the cursor is reset to "now"
// instead of scheduling into the past.
//
// A background goroutine drains the queue, sleeping until each frame's start
// time before handing it to the sink. All exported methods are safe for
// concurrent use.
type Scheduler struct {
	sink       OutputSink
	now        func() time.Time
	onUnderrun func()

	mu        sync.Mutex
	queue     []scheduledFrame
	cursor    time.Time
	playing   bool
	underruns uint64
	stopped   func() // playback-stopped callback, last writer wins
	closed    bool

	notify chan struct{}
	done   chan struct{}
}

// NewScheduler creates a Scheduler delivering frames to sink and starts its
// dispatch goroutine. Call [Scheduler.Close] to stop it.
func NewScheduler(sink OutputSink, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		now:    time.Now,
		queue:  make([]scheduledFrame, 0, defaultPlaybackQueueCap),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.dispatch()
	return s
}

// Enqueue schedules frame for playback and returns its computed start time.
// Empty frames are ignored and return the current cursor.
func (s *Scheduler) Enqueue(frame AudioFrame) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cursor.Before(now) {
		// Underrun: nothing scheduled recently enough, restart from now.
		if s.playing || !s.cursor.IsZero() {
			s.underruns++
			if s.onUnderrun != nil {
				s.onUnderrun()
			}
		}
		s.cursor = now
	}

	if frame.Samples() == 0 {
		return s.cursor
	}

	start := s.cursor
	s.cursor = s.cursor.Add(frame.Duration())
	s.queue = append(s.queue, scheduledFrame{frame: frame, start: start})
	s.playing = true
	s.wake()
	return start
}

// Playing reports whether any scheduled audio has not yet finished.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Underruns reports how many times the cursor was reset because it lagged the
// clock.
func (s *Scheduler) Underruns() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underruns
}

// OnPlaybackStopped registers fn to be invoked once the queue empties and the
// last scheduled frame's duration has elapsed. Only one callback may be
// registered at a time; subsequent calls replace the previous registration.
// The callback runs on the dispatch goroutine and must not block.
func (s *Scheduler) OnPlaybackStopped(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = fn
}

// Stop clears the queue and resets the cursor immediately. This is the hard
// interrupt used for barge-in and cancellation: frames already handed to the
// sink are not recalled, but nothing further plays.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.queue = s.queue[:0]
	s.cursor = time.Time{}
	wasPlaying := s.playing
	s.playing = false
	fn := s.stopped
	s.mu.Unlock()

	if wasPlaying && fn != nil {
		fn()
	}
}

// Close stops the dispatch goroutine. The scheduler must not be used after
// Close. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
}

// wake signals the dispatch goroutine without blocking. Must hold s.mu.
func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatch is the playback goroutine. It pops frames in order, sleeps until
// each frame's scheduled start, and writes it to the sink. When the queue
// empties it waits out the tail of the last frame before declaring playback
// stopped.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			cursor := s.cursor
			wasPlaying := s.playing
			s.mu.Unlock()

			if wasPlaying {
				// Queue is empty but the last frame may still be sounding.
				// Fire the stopped callback once its scheduled end passes,
				// unless a new frame arrives first.
				tail := cursor.Sub(s.now())
				if tail < 0 {
					tail = 0
				}
				select {
				case <-s.done:
					return
				case <-s.notify:
					continue
				case <-time.After(tail):
					s.finishIfIdle()
					continue
				}
			}

			select {
			case <-s.done:
				return
			case <-s.notify:
				continue
			}
		}

		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		// Sample-accurate start: sleep until the frame's scheduled time.
		if wait := next.start.Sub(s.now()); wait > 0 {
			select {
			case <-s.done:
				return
			case <-time.After(wait):
			}
		}

		select {
		case <-s.done:
			return
		default:
		}
		_ = s.sink.Write(next.frame)
	}
}

// finishIfIdle marks playback stopped and fires the callback, unless new
// frames arrived in the meantime.
func (s *Scheduler) finishIfIdle() {
	s.mu.Lock()
	if len(s.queue) > 0 || !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	fn := s.stopped
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}
