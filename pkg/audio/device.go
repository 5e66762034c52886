package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCaptureUnavailable is returned when a capture device cannot be acquired
// (missing hardware, denied permission). The session stays connected; only
// listening is affected. Acquisition is not retried automatically.
var ErrCaptureUnavailable = errors.New("audio: capture device unavailable")

// CaptureDevice is a source of raw microphone samples. Implementations wrap a
// platform audio API and deliver normalised float32 mono blocks at the
// device's native rate.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Start begins capturing and returns a channel of sample blocks. The
	// channel is closed when the device is closed or ctx is cancelled.
	// Returns an error wrapping [ErrCaptureUnavailable] if the device cannot
	// be acquired.
	Start(ctx context.Context) (<-chan []float32, error)

	// SampleRate returns the device's native capture rate in Hz.
	SampleRate() int

	// Close releases the device. Safe to call more than once.
	Close() error
}

// OutputSink consumes scheduled playback frames. Write blocks until the
// device has accepted the frame's samples; the playback scheduler handles
// timing, so implementations should not add their own pacing.
type OutputSink interface {
	Write(frame AudioFrame) error
}

// ── Built-in devices ──────────────────────────────────────────────────────────

// SilenceDevice is a CaptureDevice that emits zero-valued blocks on a fixed
// cadence. Useful for development and soak testing without real hardware.
type SilenceDevice struct {
	Rate  int           // sample rate in Hz; default 48000
	Block time.Duration // block cadence; default 20ms

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Start implements [CaptureDevice].
func (d *SilenceDevice) Start(ctx context.Context) (<-chan []float32, error) {
	rate := d.Rate
	if rate <= 0 {
		rate = 48000
	}
	block := d.Block
	if block <= 0 {
		block = 20 * time.Millisecond
	}
	samplesPerBlock := int(int64(rate) * int64(block) / int64(time.Second))

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	out := make(chan []float32, 8)
	go func() {
		defer close(out)
		ticker := time.NewTicker(block)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				select {
				case out <- make([]float32, samplesPerBlock):
				default: // consumer stalled; skip the block
				}
			}
		}
	}()
	return out, nil
}

// SampleRate implements [CaptureDevice].
func (d *SilenceDevice) SampleRate() int {
	if d.Rate <= 0 {
		return 48000
	}
	return d.Rate
}

// Close implements [CaptureDevice].
func (d *SilenceDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	return nil
}

// DiscardSink is an OutputSink that drops every frame. Useful for development
// and for sessions where playback is handled elsewhere.
type DiscardSink struct{}

// Write implements [OutputSink].
func (DiscardSink) Write(AudioFrame) error { return nil }
