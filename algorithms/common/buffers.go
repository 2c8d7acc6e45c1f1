package common

import (
	"errors"
	"fmt"
)

// ErrInsufficientFrames is returned when a spectrogram is shorter than one window.
var ErrInsufficientFrames = errors.New("not enough spectrogram frames for one window")

// SlidingWindow cuts a time-major spectrogram into overlapping windows of
// frameSize consecutive rows, advancing hopSize rows between windows.
type SlidingWindow struct {
	frameSize int
	hopSize   int
}

// NewSlidingWindow creates a new sliding window
func NewSlidingWindow(frameSize, hopSize int) (*SlidingWindow, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive: %d", frameSize)
	}
	if hopSize <= 0 {
		return nil, fmt.Errorf("hop size must be positive: %d", hopSize)
	}
	return &SlidingWindow{frameSize: frameSize, hopSize: hopSize}, nil
}

// Count returns how many complete windows fit in rows spectrogram rows.
func (sw *SlidingWindow) Count(rows int) int {
	if rows < sw.frameSize {
		return 0
	}
	return (rows-sw.frameSize)/sw.hopSize + 1
}

// Batch flattens every complete window into one buffer laid out
// windows x frameSize x bands. A trailing partial window is dropped.
func (sw *SlidingWindow) Batch(spectrogram [][]float32) ([]float32, int, error) {
	nFrames := sw.Count(len(spectrogram))
	if nFrames == 0 {
		return []float32{}, 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFrames, len(spectrogram), sw.frameSize)
	}

	bands := len(spectrogram[0])
	if bands == 0 {
		return []float32{}, 0, fmt.Errorf("spectrogram rows are empty")
	}
	for i, row := range spectrogram {
		if len(row) != bands {
			return []float32{}, 0, fmt.Errorf("spectrogram row %d has %d bands, expected %d", i, len(row), bands)
		}
	}

	batch := make([]float32, 0, nFrames*sw.frameSize*bands)
	for offset := 0; offset+sw.frameSize <= len(spectrogram); offset += sw.hopSize {
		for _, row := range spectrogram[offset : offset+sw.frameSize] {
			batch = append(batch, row...)
		}
	}

	return batch, nFrames, nil
}

// WindowBatch is a one-shot SlidingWindow.Batch.
func WindowBatch(spectrogram [][]float32, frameSize, hopLength int) ([]float32, int, error) {
	sw, err := NewSlidingWindow(frameSize, hopLength)
	if err != nil {
		return []float32{}, 0, err
	}
	return sw.Batch(spectrogram)
}
