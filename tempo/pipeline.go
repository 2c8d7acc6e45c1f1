// Package tempo estimates the tempo of audio tracks with a CNN classifier:
// decoded audio is decimated to mono, turned into a mel spectrogram, cut
// into overlapping windows, normalised and scored, and each window's best
// class becomes a BPM value.
package tempo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/RyanBlaney/sonido-tempo/algorithms/common"
	"github.com/RyanBlaney/sonido-tempo/algorithms/spectral"
	"github.com/RyanBlaney/sonido-tempo/inference"
	"github.com/RyanBlaney/sonido-tempo/logging"
	"github.com/RyanBlaney/sonido-tempo/transcode"
)

// Source opens tracks for decoding. transcode.Decoder is the production
// implementation.
type Source interface {
	Open(ctx context.Context, path string, flags transcode.OpenFlags) (transcode.Stream, error)
}

// Config holds the analysis constants. They must match what the model
// was trained on.
type Config struct {
	NativeRate       int                     `json:"native_rate" yaml:"native_rate"`
	DecimationFactor int                     `json:"decimation_factor" yaml:"decimation_factor"`
	Mel              spectral.MelConfig      `json:"mel" yaml:"mel"`
	FrameSize        int                     `json:"frame_size" yaml:"frame_size"`
	HopLength        int                     `json:"hop_length" yaml:"hop_length"`
	MinBPM           int                     `json:"min_bpm" yaml:"min_bpm"`
	SkipFraction     float64                 `json:"skip_fraction" yaml:"skip_fraction"`
	Aggregate        string                  `json:"aggregate" yaml:"aggregate"`
	Adapter          inference.AdapterConfig `json:"adapter" yaml:"adapter"`
	// Workers bounds the goroutines used by the STFT and the normalizer.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the settings of the bundled tempo model.
func DefaultConfig() Config {
	return Config{
		NativeRate:       44100,
		DecimationFactor: 4,
		Mel:              spectral.DefaultMelConfig(),
		FrameSize:        256,
		HopLength:        128,
		MinBPM:           DefaultMinBPM,
		SkipFraction:     0.2,
		Adapter:          inference.DefaultAdapterConfig(),
	}
}

// WorkingRate is the sample rate after decimation.
func (c Config) WorkingRate() int {
	if c.DecimationFactor <= 0 {
		return 0
	}
	return c.NativeRate / c.DecimationFactor
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NativeRate <= 0 {
		return fmt.Errorf("native rate must be positive: %d", c.NativeRate)
	}
	if c.DecimationFactor <= 0 {
		return fmt.Errorf("decimation factor must be positive: %d", c.DecimationFactor)
	}
	if c.FrameSize <= 0 || c.HopLength <= 0 {
		return fmt.Errorf("frame size and hop length must be positive: %d, %d", c.FrameSize, c.HopLength)
	}
	if c.SkipFraction < 0 || c.SkipFraction >= 1 {
		return fmt.Errorf("skip fraction must be in [0, 1): %g", c.SkipFraction)
	}
	if _, err := AggregatorByName(c.Aggregate); err != nil {
		return err
	}

	mel := c.Mel
	mel.SampleRate = c.WorkingRate()
	return mel.Validate()
}

// Pipeline analyses tracks one at a time. The mel extractor and the model
// are shared read-only; everything else is local to a track.
type Pipeline struct {
	config     Config
	source     Source
	adapter    *inference.Adapter
	mel        *spectral.MelSpectrogram
	aggregator Aggregator
	logger     logging.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger replaces the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithAggregator sets the summary aggregator, overriding Config.Aggregate.
func WithAggregator(a Aggregator) Option {
	return func(p *Pipeline) {
		p.aggregator = a
	}
}

// New builds a pipeline. The mel sample rate is always the working rate.
func New(config Config, source Source, adapter *inference.Adapter, opts ...Option) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("audio source is required")
	}
	if adapter == nil {
		return nil, fmt.Errorf("inference adapter is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	config.Mel.SampleRate = config.WorkingRate()
	if config.Mel.Workers == 0 {
		config.Mel.Workers = config.Workers
	}
	mel, err := spectral.NewMelSpectrogram(config.Mel)
	if err != nil {
		return nil, err
	}

	aggregator, err := AggregatorByName(config.Aggregate)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		config:     config,
		source:     source,
		adapter:    adapter,
		mel:        mel,
		aggregator: aggregator,
		logger: logging.WithFields(logging.Fields{
			"component": "tempo_pipeline",
		}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.config
}

// Run analyses tracks in order. Failures stay with their track; the run
// continues. When ctx is cancelled the in-flight track is discarded, the
// remaining tracks are skipped, Report.Cancelled is set and ctx's error is
// returned alongside the partial report.
func (p *Pipeline) Run(ctx context.Context, tracks []Track, progress ProgressSink, sink ResultSink) (*Report, error) {
	if progress == nil {
		progress = NopProgress
	}

	report := &Report{RunID: uuid.New(), Started: time.Now()}
	ctx = logging.ContextWithFields(ctx, logging.Fields{"run_id": report.RunID.String()})
	logger := p.logger.WithContext(ctx)

	logger.Info("Starting tempo analysis", logging.Fields{"tracks": len(tracks)})

	for i, track := range tracks {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		progress.SetItem(i, len(tracks), track.Path)
		result := p.AnalyzeTrack(ctx, track, progress)
		if result.Cancelled() {
			report.Cancelled = true
			break
		}
		result.RunID = report.RunID

		report.add(result)
		if sink != nil {
			if err := sink.Record(ctx, result); err != nil {
				logger.Error(err, "Failed to record result", logging.Fields{
					"track_id": track.ID,
					"path":     track.Path,
				})
			}
		}
	}

	report.Elapsed = time.Since(report.Started)
	logger.Info("Tempo analysis finished", logging.Fields{
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"cancelled": report.Cancelled,
		"elapsed":   report.Elapsed.Seconds(),
	})

	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// AnalyzeTrack runs every stage on one track. It never panics on bad input;
// all failures come back in TrackResult.Err.
func (p *Pipeline) AnalyzeTrack(ctx context.Context, track Track, progress ProgressSink) TrackResult {
	if progress == nil {
		progress = NopProgress
	}

	start := time.Now()
	ctx = logging.ContextWithFields(ctx, logging.Fields{
		"track_id": track.ID,
		"path":     track.Path,
	})
	logger := p.logger.WithContext(ctx)

	result := TrackResult{Track: track}
	estimates, kind, err := p.analyze(ctx, track, progress, logger)
	result.Elapsed = time.Since(start)

	if err != nil {
		result.Err = &TrackError{TrackID: track.ID, Path: track.Path, Kind: kind, Err: err}
		if kind == Cancelled {
			logger.Debug("Track analysis cancelled")
		} else {
			logger.Error(err, "Track analysis failed", logging.Fields{"kind": kind.String()})
		}
		return result
	}

	result.Estimates = estimates
	if p.aggregator != nil {
		if v, err := p.aggregator.Aggregate(estimates); err == nil {
			result.Summary = &v
		} else {
			logger.Warn("Failed to aggregate estimates", logging.Fields{"error": err.Error()})
		}
	}

	logger.Info("Track analysed", logging.Fields{
		"windows": len(estimates),
		"elapsed": result.Elapsed.Seconds(),
	})
	return result
}

func (p *Pipeline) analyze(ctx context.Context, track Track, progress ProgressSink, logger logging.Logger) ([]int, Kind, error) {
	fail := func(err error, fallback Kind) ([]int, Kind, error) {
		return nil, classify(ctx, err, fallback), err
	}

	samples, err := p.decode(ctx, track)
	if err != nil {
		return fail(err, DecodeFailure)
	}
	progress.SetStage(StageDecoded)

	logger.Debug("Audio decoded", logging.Fields{
		"samples":      len(samples),
		"working_rate": p.config.WorkingRate(),
	})

	spectrogram, err := p.mel.Compute(samples)
	if err != nil {
		return fail(err, DecodeFailure)
	}
	if err := ctx.Err(); err != nil {
		return fail(err, Cancelled)
	}
	progress.SetStage(StageMel)

	normalizer := common.NewZScoreNormalizer(p.config.Workers)
	progress.SetStage(StageNormalizer)

	batch, nFrames, err := common.WindowBatch(spectrogram, p.config.FrameSize, p.config.HopLength)
	if err != nil {
		return fail(err, InsufficientAudio)
	}
	progress.SetStage(StageWindowed)

	if err := normalizer.NormalizeInPlace(batch); err != nil {
		return fail(err, DegenerateSignal)
	}
	if err := ctx.Err(); err != nil {
		return fail(err, Cancelled)
	}

	scores, err := p.adapter.Infer(ctx, batch, nFrames, p.config.Mel.Bands, p.config.FrameSize)
	if err != nil {
		return fail(err, InferenceFailure)
	}
	progress.SetStage(StageDone)

	return Decode(scores, p.config.MinBPM), KindUnknown, nil
}

// decode reads the track from the skip offset to the end and returns the
// decimated mono signal. The stream is closed before returning.
func (p *Pipeline) decode(ctx context.Context, track Track) (samples []float32, err error) {
	stream, err := p.source.Open(ctx, track.Path, transcode.NoLooping|transcode.NoPostProcessing)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()

	if skip := track.Duration.Seconds() * p.config.SkipFraction; skip > 0 {
		if err := stream.Seek(ctx, skip); err != nil {
			return nil, fmt.Errorf("seek to %.2fs: %w", skip, err)
		}
	}

	decimator, err := transcode.NewDecimator(p.config.NativeRate, p.config.DecimationFactor)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := stream.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		if err := decimator.Feed(chunk); err != nil {
			return nil, err
		}
	}

	return decimator.Samples(), nil
}
