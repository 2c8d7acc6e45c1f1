package transcode

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedSampleRate is returned for chunks that are not at the expected native rate.
	ErrUnsupportedSampleRate = errors.New("unsupported sample rate")
	// ErrInvalidChunk is returned for chunks with a bad channel layout.
	ErrInvalidChunk = errors.New("invalid audio chunk")
)

// Chunk is a block of interleaved PCM frames as produced by a decoder.
type Chunk struct {
	Samples    []float64
	SampleRate int
	Channels   int
}

// Frames returns the number of multi-channel frames in the chunk.
func (c *Chunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Decimator downmixes interleaved chunks to mono and keeps every factor-th
// frame. There is no anti-alias filter: frame 0 of each group of factor
// frames is kept and the rest are dropped. Groups carry over chunk
// boundaries and only complete groups produce output, so N input frames
// yield floor(N/factor) samples.
type Decimator struct {
	expectedRate int
	factor       int
	phase        int // frames seen in the current, incomplete group
	pending      float32
	out          []float32
}

// NewDecimator creates a decimator for chunks at expectedRate.
func NewDecimator(expectedRate, factor int) (*Decimator, error) {
	if expectedRate <= 0 {
		return nil, fmt.Errorf("expected sample rate must be positive: %d", expectedRate)
	}
	if factor <= 0 {
		return nil, fmt.Errorf("decimation factor must be positive: %d", factor)
	}
	return &Decimator{expectedRate: expectedRate, factor: factor}, nil
}

// Feed appends one chunk. A chunk at any other rate than the expected one
// fails with ErrUnsupportedSampleRate and leaves the decimator unchanged.
func (d *Decimator) Feed(chunk *Chunk) error {
	if chunk == nil {
		return fmt.Errorf("%w: nil chunk", ErrInvalidChunk)
	}
	if chunk.SampleRate != d.expectedRate {
		return fmt.Errorf("%w: got %d Hz, expected %d Hz", ErrUnsupportedSampleRate, chunk.SampleRate, d.expectedRate)
	}
	if chunk.Channels < 1 {
		return fmt.Errorf("%w: %d channels", ErrInvalidChunk, chunk.Channels)
	}
	if len(chunk.Samples)%chunk.Channels != 0 {
		return fmt.Errorf("%w: %d samples is not a multiple of %d channels", ErrInvalidChunk, len(chunk.Samples), chunk.Channels)
	}

	channels := chunk.Channels
	for frame := 0; frame < len(chunk.Samples); frame += channels {
		if d.phase == 0 {
			sum := 0.0
			for _, v := range chunk.Samples[frame : frame+channels] {
				sum += v
			}
			d.pending = float32(sum / float64(channels))
		}

		d.phase++
		if d.phase == d.factor {
			d.out = append(d.out, d.pending)
			d.phase = 0
		}
	}

	return nil
}

// Samples returns the mono signal accumulated so far. The slice is owned by
// the decimator until Reset.
func (d *Decimator) Samples() []float32 {
	return d.out
}

// Reset discards all state so the decimator can be reused for another track.
func (d *Decimator) Reset() {
	d.phase = 0
	d.pending = 0
	d.out = nil
}
