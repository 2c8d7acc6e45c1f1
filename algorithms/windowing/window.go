package windowing

import (
	"fmt"
	"strings"
)

// Window is an analysis window applied to every STFT frame.
type Window interface {
	ApplyInPlace(signal []float64) error
	GetCoefficients() []float64
	GetSize() int
	GetType() string
}

// New returns the named window of the given size. Windows are periodic
// (DFT-even), which is what spectral analysis expects.
func New(name string, size int) (Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window size must be positive: %d", size)
	}

	switch strings.ToLower(name) {
	case "hann", "hanning":
		return NewHann(size, false), nil
	case "hamming":
		return NewHamming(size, false), nil
	case "rectangular", "boxcar", "ones":
		return NewRectangular(size), nil
	default:
		return nil, fmt.Errorf("unsupported window function %q", name)
	}
}

// applyCoefficients multiplies signal by coeffs in place.
func applyCoefficients(signal, coeffs []float64) error {
	if len(signal) != len(coeffs) {
		return fmt.Errorf("signal length (%d) doesn't match window size (%d)", len(signal), len(coeffs))
	}
	for i, c := range coeffs {
		signal[i] *= c
	}
	return nil
}
