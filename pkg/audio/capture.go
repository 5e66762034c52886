package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTargetRate is the transport input rate expected by the model peer.
	DefaultTargetRate = 16000

	// DefaultBlockDuration is the cadence at which resampled frames are
	// emitted. Chosen so end-to-end capture latency stays well under 100ms.
	DefaultBlockDuration = 80 * time.Millisecond

	// defaultMaxBacklog bounds the retained input buffer, expressed as a
	// multiple of one input block. Beyond this the oldest samples are
	// discarded rather than blocking the capture feed.
	defaultMaxBacklog = 8

	// defaultFrameBuf is the buffer depth of the emitted frame channel.
	defaultFrameBuf = 16
)

// CaptureOption is a functional option for configuring a [CapturePipeline].
type CaptureOption func(*CapturePipeline)

// WithTargetRate sets the output sample rate of emitted frames.
// The default is [DefaultTargetRate].
func WithTargetRate(rate int) CaptureOption {
	return func(p *CapturePipeline) {
		if rate > 0 {
			p.targetRate = rate
		}
	}
}

// WithBlockDuration sets the duration of each emitted frame.
// The default is [DefaultBlockDuration].
func WithBlockDuration(d time.Duration) CaptureOption {
	return func(p *CapturePipeline) {
		if d > 0 {
			p.blockDur = d
		}
	}
}

// WithMaxBacklog sets the retained-input bound as a multiple of one input
// block. When the consumer drains slower than the device produces, up to this
// many blocks of raw input are held before the oldest samples are discarded.
func WithMaxBacklog(blocks int) CaptureOption {
	return func(p *CapturePipeline) {
		if blocks > 0 {
			p.maxBacklog = blocks
		}
	}
}

// CapturePipeline pulls raw sample blocks from a [CaptureDevice], accumulates
// them in a bounded buffer, resamples to the target rate with linear
// interpolation, converts to s16le, and emits [AudioFrame] values on a fixed
// cadence.
//
// Backpressure policy: when the frame channel is full, raw input is retained
// (up to the backlog bound) rather than dropped; beyond the bound the oldest
// samples are discarded. The device feed is never blocked.
type CapturePipeline struct {
	device     CaptureDevice
	targetRate int
	blockDur   time.Duration
	maxBacklog int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	dropped uint64
	seq     uint64
}

// NewCapturePipeline creates a pipeline reading from device. Options are
// applied in order. The pipeline does not touch the device until [CapturePipeline.Start].
func NewCapturePipeline(device CaptureDevice, opts ...CaptureOption) *CapturePipeline {
	p := &CapturePipeline{
		device:     device,
		targetRate: DefaultTargetRate,
		blockDur:   DefaultBlockDuration,
		maxBacklog: defaultMaxBacklog,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the device and begins emitting frames. The returned channel
// is closed when the device feed ends or [CapturePipeline.Stop] is called.
// Device acquisition failure is returned wrapping [ErrCaptureUnavailable];
// it is not retried.
func (p *CapturePipeline) Start(ctx context.Context) (<-chan AudioFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil, fmt.Errorf("audio: capture pipeline already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	src, err := p.device.Start(runCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	p.running = true
	p.cancel = cancel

	out := make(chan AudioFrame, defaultFrameBuf)
	go p.run(runCtx, src, out)
	return out, nil
}

// Stop cancels the capture feed and releases the device. It is safe to call
// from any goroutine and more than once.
func (p *CapturePipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = p.device.Close()
}

// Dropped reports how many raw input samples have been discarded due to the
// backlog bound since the pipeline was created.
func (p *CapturePipeline) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// run is the pipeline goroutine. It owns out and closes it on exit.
func (p *CapturePipeline) run(ctx context.Context, src <-chan []float32, out chan<- AudioFrame) {
	defer close(out)

	srcRate := p.device.SampleRate()
	if srcRate <= 0 {
		srcRate = p.targetRate
	}

	// One output block and the raw input needed to produce it.
	blockOut := int(int64(p.targetRate) * int64(p.blockDur) / int64(time.Second))
	blockIn := int(int64(blockOut) * int64(srcRate) / int64(p.targetRate))
	if blockIn == 0 {
		blockIn = 1
	}
	maxBuf := blockIn * p.maxBacklog

	var buf []float32
	for {
		select {
		case <-ctx.Done():
			return
		case samples, ok := <-src:
			if !ok {
				return
			}
			buf = append(buf, samples...)

			// Bounded retention: discard the oldest samples past the cap.
			if len(buf) > maxBuf {
				over := len(buf) - maxBuf
				buf = buf[over:]
				p.noteDropped(uint64(over))
			}

			emitting := true
			for emitting && len(buf) >= blockIn {
				resampled := ResampleFloat32(buf[:blockIn], srcRate, p.targetRate)
				frame := AudioFrame{
					Data:       Float32ToPCM16(resampled),
					SampleRate: p.targetRate,
					Seq:        p.nextSeq(),
				}

				select {
				case out <- frame:
					buf = buf[blockIn:]
				default:
					// Consumer is behind: keep the input buffered and let the
					// retention bound above decide what gets discarded.
					emitting = false
				}
			}
		}
	}
}

func (p *CapturePipeline) nextSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

func (p *CapturePipeline) noteDropped(n uint64) {
	p.mu.Lock()
	p.dropped += n
	first := p.dropped == n
	p.mu.Unlock()
	if first {
		slog.Warn("capture pipeline: consumer behind, discarding oldest samples", "samples", n)
	}
}
