package spectral

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/RyanBlaney/sonido-tempo/algorithms/windowing"
	"github.com/RyanBlaney/sonido-tempo/logging"
)

// PadMode selects how a centered STFT extends the signal edges.
type PadMode string

const (
	PadReflect  PadMode = "reflect"
	PadConstant PadMode = "constant"
)

// STFTOptions describes the framing of a Short-Time Fourier Transform.
type STFTOptions struct {
	NFFT      int
	HopLength int
	// Center pads the signal by NFFT/2 on both sides so frame t is
	// centered on sample t*HopLength.
	Center  bool
	PadMode PadMode
	Window  windowing.Window
	// Power applied to each bin magnitude (1 = magnitude, 2 = power).
	Power   float64
	Workers int
}

// STFT provides Short-Time Fourier Transform functionality
type STFT struct {
	fft    *FFT
	logger logging.Logger
}

// NewSTFT creates a new STFT calculator
func NewSTFT() *STFT {
	return &STFT{
		fft: NewFFT(),
		logger: logging.WithFields(logging.Fields{
			"component": "stft",
		}),
	}
}

// FrameCount returns the number of analysis frames for a signal of n samples.
func (s *STFT) FrameCount(n int, opts STFTOptions) int {
	if n <= 0 || opts.NFFT <= 0 || opts.HopLength <= 0 {
		return 0
	}
	if opts.Center {
		padded := n + 2*(opts.NFFT/2)
		if padded < opts.NFFT {
			return 0
		}
		return 1 + (padded-opts.NFFT)/opts.HopLength
	}
	if n < opts.NFFT {
		return 0
	}
	return 1 + (n-opts.NFFT)/opts.HopLength
}

// FrameFunc receives the magnitude spectrum (NFFT/2+1 bins) of one frame.
// The slice is reused after the call returns. Calls for different frames
// run concurrently.
type FrameFunc func(frameIdx int, magnitudes []float64)

// ForEachFrame windows every frame, transforms it and hands the magnitude
// spectrum to fn. It returns the number of frames processed.
func (s *STFT) ForEachFrame(signal []float64, opts STFTOptions, fn FrameFunc) (int, error) {
	if opts.NFFT <= 0 {
		return 0, fmt.Errorf("n_fft must be positive")
	}
	if opts.HopLength <= 0 {
		return 0, fmt.Errorf("hop length must be positive")
	}
	if opts.Window != nil && opts.Window.GetSize() != opts.NFFT {
		return 0, fmt.Errorf("window size (%d) doesn't match n_fft (%d)", opts.Window.GetSize(), opts.NFFT)
	}
	if opts.Power == 0 {
		opts.Power = 1
	}

	numFrames := s.FrameCount(len(signal), opts)
	if numFrames == 0 {
		return 0, nil
	}

	source := signal
	if opts.Center {
		padded, err := padSignal(signal, opts.NFFT/2, opts.PadMode)
		if err != nil {
			return 0, err
		}
		source = padded
	}

	freqBins := opts.NFFT/2 + 1
	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = s.getOptimalWorkerCount(numFrames)
	}

	jobs := make(chan int, numFrames)
	errs := make(chan error, numWorkers)

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Reuse frame buffers for this worker
			frameBuffer := make([]float64, opts.NFFT)
			magnitudes := make([]float64, freqBins)

			for frameIdx := range jobs {
				start := frameIdx * opts.HopLength
				copy(frameBuffer, source[start:start+opts.NFFT])

				if opts.Window != nil {
					if err := opts.Window.ApplyInPlace(frameBuffer); err != nil {
						select {
						case errs <- err:
						default:
						}
						continue
					}
				}

				s.fft.Magnitudes(frameBuffer, magnitudes, opts.Power)
				fn(frameIdx, magnitudes)
			}
		}()
	}

	for frameIdx := range numFrames {
		jobs <- frameIdx
	}
	close(jobs)
	wg.Wait()
	close(errs)

	if err, ok := <-errs; ok {
		return 0, fmt.Errorf("stft frame failed: %w", err)
	}

	s.logger.Debug("STFT completed", logging.Fields{
		"frames":  numFrames,
		"n_fft":   opts.NFFT,
		"hop":     opts.HopLength,
		"workers": numWorkers,
	})

	return numFrames, nil
}

// Magnitude computes the full (frames x bins) magnitude spectrogram.
func (s *STFT) Magnitude(signal []float64, opts STFTOptions) ([][]float64, error) {
	out := make([][]float64, s.FrameCount(len(signal), opts))
	_, err := s.ForEachFrame(signal, opts, func(frameIdx int, magnitudes []float64) {
		row := make([]float64, len(magnitudes))
		copy(row, magnitudes)
		out[frameIdx] = row
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// padSignal extends signal by pad samples on both sides.
func padSignal(signal []float64, pad int, mode PadMode) ([]float64, error) {
	n := len(signal)
	padded := make([]float64, n+2*pad)

	switch mode {
	case PadReflect, "":
		for i := range padded {
			padded[i] = signal[reflectIndex(i-pad, n)]
		}
	case PadConstant:
		copy(padded[pad:], signal)
	default:
		return nil, fmt.Errorf("unsupported pad mode %q", mode)
	}

	return padded, nil
}

// reflectIndex mirrors i into [0, n) without repeating the edge sample,
// folding repeatedly when the pad is longer than the signal (numpy "reflect").
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// getOptimalWorkerCount determines the optimal number of workers based on workload
func (s *STFT) getOptimalWorkerCount(numFrames int) int {
	numCPU := runtime.NumCPU()

	// For small workloads, don't over-parallelize
	if numFrames < 100 {
		return max(1, min(numCPU/2, numFrames))
	}

	// For medium workloads, use most CPUs
	if numFrames < 1000 {
		return min(numCPU, 8)
	}

	return numCPU
}
