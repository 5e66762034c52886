package audio

import "time"

// AudioFrame represents a single frame of audio flowing through the engine.
// Frames are the atomic unit of audio transport — produced by the capture
// pipeline, sent to the model peer, received back from the peer, and scheduled
// by the playback scheduler. A frame is immutable once produced; ownership
// transfers from producer to consumer.
type AudioFrame struct {
	// Data is little-endian signed 16-bit mono PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for model input, 24000 for model output).
	SampleRate int

	// Seq is a monotonically increasing sequence number assigned by the
	// producer. Consumers use it for diagnostics only.
	Seq uint64
}

// Samples returns the number of int16 samples in the frame.
func (f AudioFrame) Samples() int { return len(f.Data) / 2 }

// Duration returns the playback duration of the frame at its sample rate.
// A frame with a zero or negative sample rate has zero duration.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
