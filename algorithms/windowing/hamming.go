package windowing

import (
	"math"
)

// Hamming represents a Hamming window function
type Hamming struct {
	size         int
	symmetric    bool
	coefficients []float64
}

// NewHamming creates a new Hamming window
func NewHamming(size int, symmetric bool) *Hamming {
	h := &Hamming{
		size:      size,
		symmetric: symmetric,
	}
	h.generate()
	return h
}

func (h *Hamming) generate() {
	h.coefficients = make([]float64, h.size)
	if h.size == 1 {
		h.coefficients[0] = 1
		return
	}

	denominator := float64(h.size)
	if h.symmetric {
		denominator = float64(h.size - 1)
	}

	for i := range h.size {
		h.coefficients[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/denominator)
	}
}

// ApplyInPlace applies the window to a signal in-place
func (h *Hamming) ApplyInPlace(signal []float64) error {
	return applyCoefficients(signal, h.coefficients)
}

// GetCoefficients returns a copy of the window coefficients
func (h *Hamming) GetCoefficients() []float64 {
	coeffs := make([]float64, len(h.coefficients))
	copy(coeffs, h.coefficients)
	return coeffs
}

// GetSize returns the window size
func (h *Hamming) GetSize() int {
	return h.size
}

// GetType returns the window type
func (h *Hamming) GetType() string {
	return "hamming"
}
