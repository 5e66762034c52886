package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/daygrid/daygrid/pkg/audio"
)

// collectSink records every frame written to it.
type collectSink struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
}

func (s *collectSink) Write(f audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// fakeClock is a settable clock for deterministic scheduling tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// frame builds a mono frame of n samples at the given rate.
func frame(n, rate int) audio.AudioFrame {
	return audio.AudioFrame{Data: make([]byte, n*2), SampleRate: rate}
}

func TestScheduler_GaplessContiguousStarts(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := audio.NewScheduler(audio.DiscardSink{}, audio.WithClock(clock.now))
	defer s.Close()

	// Ten 100ms frames enqueued in a burst: starts must be exactly contiguous.
	const n = 2400 // 100ms at 24k
	var prev time.Time
	var prevDur time.Duration
	for i := 0; i < 10; i++ {
		start := s.Enqueue(frame(n, 24000))
		if i > 0 {
			want := prev.Add(prevDur)
			if !start.Equal(want) {
				t.Fatalf("frame %d start %v, want %v", i, start, want)
			}
			if !start.After(prev) {
				t.Fatalf("frame %d start not increasing", i)
			}
		}
		prev = start
		prevDur = 100 * time.Millisecond
	}
	if s.Underruns() != 0 {
		t.Errorf("underruns: got %d, want 0", s.Underruns())
	}
}

func TestScheduler_UnderrunResetsCursorToNow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := audio.NewScheduler(audio.DiscardSink{}, audio.WithClock(clock.now))
	defer s.Close()

	s.Enqueue(frame(2400, 24000)) // 100ms

	// Let the clock run well past the scheduled end: the next frame must not
	// be scheduled into the past.
	clock.advance(500 * time.Millisecond)
	start := s.Enqueue(frame(2400, 24000))

	if !start.Equal(clock.now()) {
		t.Errorf("start %v, want reset to now %v", start, clock.now())
	}
	if s.Underruns() != 1 {
		t.Errorf("underruns: got %d, want 1", s.Underruns())
	}
}

func TestScheduler_UnderrunCallback(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	fired := 0
	s := audio.NewScheduler(audio.DiscardSink{},
		audio.WithClock(clock.now),
		audio.WithOnUnderrun(func() { fired++ }),
	)
	defer s.Close()

	s.Enqueue(frame(240, 24000))
	clock.advance(time.Second)
	s.Enqueue(frame(240, 24000))

	if fired != 1 {
		t.Errorf("underrun callback fired %d times, want 1", fired)
	}
}

func TestScheduler_DeliversFramesInOrder(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	s := audio.NewScheduler(sink)
	defer s.Close()

	// Tiny frames so the test completes quickly on the real clock.
	for i := 0; i < 5; i++ {
		f := frame(16, 16000) // 1ms
		f.Seq = uint64(i + 1)
		s.Enqueue(f)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 5 frames delivered", sink.count())
		}
		time.Sleep(time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, f := range sink.frames {
		if f.Seq != uint64(i+1) {
			t.Errorf("position %d: got seq %d, want %d", i, f.Seq, i+1)
		}
	}
}

func TestScheduler_StoppedCallbackAfterTail(t *testing.T) {
	t.Parallel()

	s := audio.NewScheduler(audio.DiscardSink{})
	defer s.Close()

	stopped := make(chan struct{}, 1)
	s.OnPlaybackStopped(func() {
		select {
		case stopped <- struct{}{}:
		default:
		}
	})

	s.Enqueue(frame(160, 16000)) // 10ms

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("playback-stopped callback never fired")
	}
	if s.Playing() {
		t.Error("still marked playing after stop callback")
	}
}

func TestScheduler_StopClearsQueue(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := audio.NewScheduler(audio.DiscardSink{}, audio.WithClock(clock.now))
	defer s.Close()

	for i := 0; i < 4; i++ {
		s.Enqueue(frame(24000, 24000)) // 1s each, far in the future
	}
	s.Stop()

	if s.Playing() {
		t.Error("Playing() true after Stop")
	}

	// A frame enqueued after Stop starts from "now" again.
	start := s.Enqueue(frame(2400, 24000))
	if !start.Equal(clock.now()) {
		t.Errorf("post-stop start %v, want %v", start, clock.now())
	}
}
