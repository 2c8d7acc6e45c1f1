package windowing

import "fmt"

// Rectangular is the boxcar window; applying it is a no-op.
type Rectangular struct {
	size int
}

// NewRectangular creates a new rectangular window
func NewRectangular(size int) *Rectangular {
	return &Rectangular{size: size}
}

// ApplyInPlace only validates the length.
func (r *Rectangular) ApplyInPlace(signal []float64) error {
	if len(signal) != r.size {
		return fmt.Errorf("signal length (%d) doesn't match window size (%d)", len(signal), r.size)
	}
	return nil
}

// GetCoefficients returns a slice of ones
func (r *Rectangular) GetCoefficients() []float64 {
	coeffs := make([]float64, r.size)
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	return coeffs
}

// GetSize returns the window size
func (r *Rectangular) GetSize() int {
	return r.size
}

// GetType returns the window type
func (r *Rectangular) GetType() string {
	return "rectangular"
}
