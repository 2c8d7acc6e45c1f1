package windowing

import (
	"math"
)

// Hann represents a Hann window function
type Hann struct {
	size         int
	symmetric    bool
	coefficients []float64
}

// NewHann creates a new Hann window. A periodic window (symmetric=false)
// matches scipy.signal.get_window("hann", n, fftbins=True).
func NewHann(size int, symmetric bool) *Hann {
	h := &Hann{
		size:      size,
		symmetric: symmetric,
	}
	h.generate()
	return h
}

func (h *Hann) generate() {
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
		h.coefficients[i] = 0.5 * (1.0 - math.Cos(2*math.Pi*float64(i)/denominator))
	}
}

// ApplyInPlace applies the window to a signal in-place
func (h *Hann) ApplyInPlace(signal []float64) error {
	return applyCoefficients(signal, h.coefficients)
}

// GetCoefficients returns a copy of the window coefficients
func (h *Hann) GetCoefficients() []float64 {
	coeffs := make([]float64, len(h.coefficients))
	copy(coeffs, h.coefficients)
	return coeffs
}

// GetSize returns the window size
func (h *Hann) GetSize() int {
	return h.size
}

// GetType returns the window type
func (h *Hann) GetType() string {
	return "hann"
}
