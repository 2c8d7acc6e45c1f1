package spectral

import (
	"math"
)

// Slaney (Auditory Toolbox) mel scale constants, as used by librosa.
const (
	slaneyFSp       = 200.0 / 3.0
	slaneyMinLogHz  = 1000.0
	slaneyMinLogMel = slaneyMinLogHz / slaneyFSp
)

var slaneyLogStep = math.Log(6.4) / 27.0

// MelScale provides mel frequency conversion and filter bank construction.
// The zero value uses the Slaney scale; HTK selects 2595*log10(1+f/700).
type MelScale struct {
	HTK bool
}

// NewMelScale creates a new mel scale converter
func NewMelScale(htk bool) *MelScale {
	return &MelScale{HTK: htk}
}

// HzToMel converts frequency in Hz to mel scale
func (ms *MelScale) HzToMel(hz float64) float64 {
	if ms.HTK {
		return 2595.0 * math.Log10(1.0+hz/700.0)
	}
	if hz >= slaneyMinLogHz {
		return slaneyMinLogMel + math.Log(hz/slaneyMinLogHz)/slaneyLogStep
	}
	return hz / slaneyFSp
}

// MelToHz converts mel scale to frequency in Hz
func (ms *MelScale) MelToHz(mel float64) float64 {
	if ms.HTK {
		return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
	}
	if mel >= slaneyMinLogMel {
		return slaneyMinLogHz * math.Exp(slaneyLogStep*(mel-slaneyMinLogMel))
	}
	return slaneyFSp * mel
}

// CreateMelFilterBank builds numFilters triangular filters over the
// fftSize/2+1 bins of a real spectrum. Filter edges are placed in Hz, not
// rounded to bins. With slaneyNorm each filter is scaled to unit area
// (2 / bandwidth), matching librosa.filters.mel(norm="slaney").
func (ms *MelScale) CreateMelFilterBank(numFilters, fftSize, sampleRate int, lowFreq, highFreq float64, slaneyNorm bool) [][]float64 {
	if numFilters <= 0 || fftSize <= 0 || sampleRate <= 0 {
		return nil
	}

	numBins := fftSize/2 + 1
	fftFreqs := make([]float64, numBins)
	for k := range fftFreqs {
		fftFreqs[k] = float64(k) * float64(sampleRate) / float64(fftSize)
	}

	// numFilters+2 equally spaced mel points, converted back to Hz
	lowMel := ms.HzToMel(lowFreq)
	highMel := ms.HzToMel(highFreq)
	melStep := (highMel - lowMel) / float64(numFilters+1)
	hzPoints := make([]float64, numFilters+2)
	for i := range hzPoints {
		hzPoints[i] = ms.MelToHz(lowMel + float64(i)*melStep)
	}

	filterBank := make([][]float64, numFilters)
	for m := range numFilters {
		left, center, right := hzPoints[m], hzPoints[m+1], hzPoints[m+2]
		filter := make([]float64, numBins)

		for k, f := range fftFreqs {
			lower := (f - left) / (center - left)
			upper := (right - f) / (right - center)
			filter[k] = math.Max(0, math.Min(lower, upper))
		}

		if slaneyNorm {
			enorm := 2.0 / (right - left)
			for k := range filter {
				filter[k] *= enorm
			}
		}

		filterBank[m] = filter
	}

	return filterBank
}

// ApplyFilterBank applies mel filter bank to a magnitude or power spectrum
func (ms *MelScale) ApplyFilterBank(spectrum []float64, filterBank [][]float64) []float64 {
	if len(filterBank) == 0 || len(spectrum) == 0 {
		return []float64{}
	}

	melSpectrum := make([]float64, len(filterBank))

	for i, filter := range filterBank {
		sum := 0.0
		for j := 0; j < len(filter) && j < len(spectrum); j++ {
			sum += spectrum[j] * filter[j]
		}
		melSpectrum[i] = sum
	}

	return melSpectrum
}
