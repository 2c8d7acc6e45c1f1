package spectral

import (
	"fmt"

	"github.com/RyanBlaney/sonido-tempo/algorithms/windowing"
	"github.com/RyanBlaney/sonido-tempo/logging"
)

// MelConfig holds the mel spectrogram parameters.
type MelConfig struct {
	SampleRate int     `json:"sample_rate" yaml:"-"`
	NFFT       int     `json:"n_fft" yaml:"n_fft"`
	HopLength  int     `json:"hop_length" yaml:"hop_length"`
	Window     string  `json:"window" yaml:"window"`
	Center     bool    `json:"center" yaml:"center"`
	PadMode    PadMode `json:"pad_mode" yaml:"pad_mode"`
	Power      float64 `json:"power" yaml:"power"`
	Bands      int     `json:"bands" yaml:"bands"`
	FMin       float64 `json:"fmin" yaml:"fmin"`
	FMax       float64 `json:"fmax" yaml:"fmax"`
	HTK        bool    `json:"htk" yaml:"htk"`
	Workers    int     `json:"workers" yaml:"workers"`
}

// DefaultMelConfig returns the feature settings the tempo model was trained on.
func DefaultMelConfig() MelConfig {
	return MelConfig{
		SampleRate: 11025,
		NFFT:       1024,
		HopLength:  512,
		Window:     "hann",
		Center:     true,
		PadMode:    PadReflect,
		Power:      1.0,
		Bands:      40,
		FMin:       20,
		FMax:       5000,
	}
}

// Validate checks the configuration for values that cannot produce a spectrogram.
func (c MelConfig) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("mel: sample rate must be positive: %d", c.SampleRate)
	case c.NFFT <= 0:
		return fmt.Errorf("mel: n_fft must be positive: %d", c.NFFT)
	case c.HopLength <= 0:
		return fmt.Errorf("mel: hop length must be positive: %d", c.HopLength)
	case c.Bands <= 0:
		return fmt.Errorf("mel: bands must be positive: %d", c.Bands)
	case c.Power <= 0:
		return fmt.Errorf("mel: power must be positive: %g", c.Power)
	case c.FMin < 0 || c.FMin >= c.FMax:
		return fmt.Errorf("mel: need 0 <= fmin < fmax, got [%g, %g]", c.FMin, c.FMax)
	case c.FMax > float64(c.SampleRate)/2:
		return fmt.Errorf("mel: fmax %g above Nyquist %g", c.FMax, float64(c.SampleRate)/2)
	}

	switch c.PadMode {
	case PadReflect, PadConstant, "":
	default:
		return fmt.Errorf("mel: unsupported pad mode %q", c.PadMode)
	}
	return nil
}

// MelSpectrogram turns a mono signal into time-major mel band magnitudes.
// The filter bank and window are built once and only read afterwards, so a
// MelSpectrogram is safe for concurrent use.
type MelSpectrogram struct {
	config  MelConfig
	stft    *STFT
	window  windowing.Window
	filters []sparseFilter
	logger  logging.Logger
}

// sparseFilter keeps only the non-zero span of a triangular filter.
type sparseFilter struct {
	start   int
	weights []float64
}

// NewMelSpectrogram validates config and precomputes window and filters.
func NewMelSpectrogram(config MelConfig) (*MelSpectrogram, error) {
	if config.Window == "" {
		config.Window = "hann"
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	window, err := windowing.New(config.Window, config.NFFT)
	if err != nil {
		return nil, fmt.Errorf("mel: %w", err)
	}

	bank := NewMelScale(config.HTK).CreateMelFilterBank(
		config.Bands, config.NFFT, config.SampleRate, config.FMin, config.FMax, true)

	return &MelSpectrogram{
		config:  config,
		stft:    NewSTFT(),
		window:  window,
		filters: sparsify(bank),
		logger: logging.WithFields(logging.Fields{
			"component": "mel_spectrogram",
		}),
	}, nil
}

func sparsify(bank [][]float64) []sparseFilter {
	out := make([]sparseFilter, len(bank))
	for m, filter := range bank {
		first, last := -1, -1
		for k, w := range filter {
			if w != 0 {
				if first < 0 {
					first = k
				}
				last = k
			}
		}
		if first < 0 {
			continue
		}
		out[m] = sparseFilter{start: first, weights: filter[first : last+1]}
	}
	return out
}

// Config returns the effective configuration.
func (m *MelSpectrogram) Config() MelConfig {
	return m.config
}

// FrameCount returns the number of rows Compute produces for n samples.
func (m *MelSpectrogram) FrameCount(n int) int {
	return m.stft.FrameCount(n, m.options())
}

func (m *MelSpectrogram) options() STFTOptions {
	return STFTOptions{
		NFFT:      m.config.NFFT,
		HopLength: m.config.HopLength,
		Center:    m.config.Center,
		PadMode:   m.config.PadMode,
		Window:    m.window,
		Power:     m.config.Power,
		Workers:   m.config.Workers,
	}
}

// Compute returns one row of Bands values per STFT frame. An empty signal
// yields an empty spectrogram.
func (m *MelSpectrogram) Compute(signal []float32) ([][]float32, error) {
	if len(signal) == 0 {
		return [][]float32{}, nil
	}

	samples := make([]float64, len(signal))
	for i, v := range signal {
		samples[i] = float64(v)
	}

	out := make([][]float32, m.FrameCount(len(samples)))
	n, err := m.stft.ForEachFrame(samples, m.options(), func(frameIdx int, magnitudes []float64) {
		row := make([]float32, len(m.filters))
		for b, f := range m.filters {
			sum := 0.0
			for j, w := range f.weights {
				sum += w * magnitudes[f.start+j]
			}
			row[b] = float32(sum)
		}
		out[frameIdx] = row
	})
	if err != nil {
		return nil, fmt.Errorf("mel spectrogram: %w", err)
	}

	m.logger.Debug("Mel spectrogram computed", logging.Fields{
		"samples": len(signal),
		"frames":  n,
		"bands":   m.config.Bands,
	})

	return out, nil
}
