package audio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/daygrid/daygrid/pkg/audio"
)

// fakeDevice is a CaptureDevice fed manually by the test.
type fakeDevice struct {
	rate   int
	blocks chan []float32
	err    error
}

func (d *fakeDevice) Start(ctx context.Context) (<-chan []float32, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.blocks, nil
}

func (d *fakeDevice) SampleRate() int { return d.rate }
func (d *fakeDevice) Close() error    { return nil }

func TestCapturePipeline_EmitsResampledFrames(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{rate: 48000, blocks: make(chan []float32, 4)}
	p := audio.NewCapturePipeline(dev,
		audio.WithTargetRate(16000),
		audio.WithBlockDuration(10*time.Millisecond),
	)

	frames, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// 10ms at 16k needs 160 output samples = 480 input samples at 48k.
	dev.blocks <- make([]float32, 480)

	select {
	case f := <-frames:
		if f.SampleRate != 16000 {
			t.Errorf("rate: got %d, want 16000", f.SampleRate)
		}
		if f.Samples() != 160 {
			t.Errorf("samples: got %d, want 160", f.Samples())
		}
		if f.Seq != 1 {
			t.Errorf("seq: got %d, want 1", f.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame emitted")
	}
}

func TestCapturePipeline_SequenceIncreases(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{rate: 16000, blocks: make(chan []float32, 4)}
	p := audio.NewCapturePipeline(dev,
		audio.WithTargetRate(16000),
		audio.WithBlockDuration(10*time.Millisecond),
	)

	frames, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	dev.blocks <- make([]float32, 320) // two 10ms blocks at 16k

	var last uint64
	for i := 0; i < 2; i++ {
		select {
		case f := <-frames:
			if f.Seq <= last {
				t.Errorf("seq not increasing: %d after %d", f.Seq, last)
			}
			last = f.Seq
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not emitted", i)
		}
	}
}

func TestCapturePipeline_DropsOldestWhenConsumerStalls(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{rate: 16000, blocks: make(chan []float32, 64)}
	p := audio.NewCapturePipeline(dev,
		audio.WithTargetRate(16000),
		audio.WithBlockDuration(10*time.Millisecond),
		audio.WithMaxBacklog(2),
	)

	// Never read from the frame channel: the emit buffer fills, then the raw
	// backlog fills, then the oldest samples must be discarded.
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	for i := 0; i < 64; i++ {
		dev.blocks <- make([]float32, 160)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no samples were discarded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCapturePipeline_DeviceUnavailable(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{rate: 48000, err: errors.New("no microphone")}
	p := audio.NewCapturePipeline(dev)

	_, err := p.Start(context.Background())
	if !errors.Is(err, audio.ErrCaptureUnavailable) {
		t.Fatalf("got %v, want ErrCaptureUnavailable", err)
	}
}

func TestCapturePipeline_DoubleStartRejected(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{rate: 16000, blocks: make(chan []float32)}
	p := audio.NewCapturePipeline(dev)

	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if _, err := p.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
}
