package spectral

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// FFT provides Fast Fourier Transform functionality backed by mjibson/go-dsp.
type FFT struct{}

// NewFFT creates a new FFT calculator
func NewFFT() *FFT {
	return &FFT{}
}

// Compute computes the FFT of a real signal.
func (f *FFT) Compute(x []float64) []complex128 {
	if len(x) == 0 {
		return []complex128{}
	}

	// go-dsp handles all sizes, including non-power-of-2
	return fft.FFTReal(x)
}

// Magnitudes writes |X[k]|^power for the len(dst) lowest bins of x's
// spectrum into dst. len(dst) is normally len(x)/2+1.
func (f *FFT) Magnitudes(x []float64, dst []float64, power float64) {
	spectrum := f.Compute(x)
	n := min(len(dst), len(spectrum))

	for k := range n {
		mag := cmplx.Abs(spectrum[k])
		switch power {
		case 1:
			dst[k] = mag
		case 2:
			dst[k] = mag * mag
		default:
			dst[k] = math.Pow(mag, power)
		}
	}
}
