package tempo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/RyanBlaney/sonido-tempo/inference"
	"github.com/RyanBlaney/sonido-tempo/transcode"
)

const (
	testRate    = 8000
	testClasses = 200
)

// fakeAudio is an in-memory decoded file.
type fakeAudio struct {
	rate     int
	channels int
	samples  []float64 // interleaved
	openErr  error
}

type fakeSource struct {
	mu      sync.Mutex
	files   map[string]fakeAudio
	streams []*fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{files: make(map[string]fakeAudio)}
}

func (s *fakeSource) add(path string, audio fakeAudio) Track {
	s.files[path] = audio
	frames := len(audio.samples) / max(audio.channels, 1)
	duration := time.Duration(0)
	if audio.rate > 0 {
		duration = time.Duration(frames) * time.Second / time.Duration(audio.rate)
	}
	return Track{ID: "id-" + path, Path: path, Duration: duration}
}

func (s *fakeSource) Open(_ context.Context, path string, flags transcode.OpenFlags) (transcode.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	audio, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", transcode.ErrDecode, path)
	}
	if audio.openErr != nil {
		return nil, audio.openErr
	}
	stream := &fakeStream{audio: audio, flags: flags}
	s.streams = append(s.streams, stream)
	return stream, nil
}

type fakeStream struct {
	audio  fakeAudio
	flags  transcode.OpenFlags
	pos    int // frame position
	seeked float64
	closed bool
}

func (s *fakeStream) Seek(_ context.Context, seconds float64) error {
	s.seeked = seconds
	s.pos = int(seconds * float64(s.audio.rate))
	return nil
}

func (s *fakeStream) Read(_ context.Context) (*transcode.Chunk, error) {
	// a broken layout still yields its raw samples so the decimator sees it
	channels := max(s.audio.channels, 1)
	frames := len(s.audio.samples) / channels
	if s.pos >= frames {
		return nil, io.EOF
	}
	end := min(s.pos+1000, frames)
	chunk := &transcode.Chunk{
		Samples:    s.audio.samples[s.pos*channels : end*channels],
		SampleRate: s.audio.rate,
		Channels:   s.audio.channels,
	}
	s.pos = end
	return chunk, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func tone(seconds float64, rate, channels int) []float64 {
	frames := int(seconds * float64(rate))
	out := make([]float64, 0, frames*channels)
	for f := range frames {
		v := 0.5*math.Sin(2*math.Pi*220*float64(f)/float64(rate)) +
			0.3*math.Sin(2*math.Pi*37*float64(f)/float64(rate))
		for c := range channels {
			out = append(out, v*float64(c+1))
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NativeRate = testRate
	cfg.DecimationFactor = 4
	cfg.Mel.NFFT = 64
	cfg.Mel.HopLength = 32
	cfg.Mel.Bands = 8
	cfg.Mel.FMax = 1000
	cfg.FrameSize = 16
	cfg.HopLength = 8
	return cfg
}

// oneHotModel scores class hot for every window and records input shapes.
type oneHotModel struct {
	hot    int
	mu     sync.Mutex
	shapes [][]int64
	inputs [][]float32
}

func (m *oneHotModel) Run(_ context.Context, input inference.NamedTensor, _ string) (*inference.Tensor, error) {
	m.mu.Lock()
	m.shapes = append(m.shapes, input.Tensor.Shape)
	m.inputs = append(m.inputs, slices.Clone(input.Tensor.Data))
	m.mu.Unlock()

	rows := input.Tensor.Shape[0]
	data := make([]float32, int(rows)*testClasses)
	for r := range int(rows) {
		data[r*testClasses+m.hot] = 1
	}
	return &inference.Tensor{Shape: []int64{rows, testClasses}, Data: data}, nil
}

func (m *oneHotModel) Close() error { return nil }

func newTestPipeline(t *testing.T, source Source, model inference.Model, opts ...Option) *Pipeline {
	t.Helper()
	cfg := testConfig()
	adapter, err := inference.NewAdapter(model, cfg.Adapter)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(cfg, source, adapter, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

type recordingProgress struct {
	items  []int
	stages [][]float64
}

func (r *recordingProgress) SetItem(index, count int, path string) {
	r.items = append(r.items, index)
	r.stages = append(r.stages, nil)
}

func (r *recordingProgress) SetStage(fraction float64) {
	r.stages[len(r.stages)-1] = append(r.stages[len(r.stages)-1], fraction)
}

type recordingSink struct {
	results []TrackResult
	err     error
}

func (r *recordingSink) Record(_ context.Context, result TrackResult) error {
	r.results = append(r.results, result)
	return r.err
}

func TestAnalyzeTrackOneHot(t *testing.T) {
	source := newFakeSource()
	track := source.add("song.flac", fakeAudio{rate: testRate, channels: 2, samples: tone(2, testRate, 2)})

	model := &oneHotModel{hot: 90}
	p := newTestPipeline(t, source, model)

	result := p.AnalyzeTrack(context.Background(), track, nil)
	if !result.OK() {
		t.Fatalf("unexpected error: %v", result.Err)
	}

	// 2s, skip 0.4s -> 12800 frames -> 3200 samples -> 101 mel frames -> 11 windows
	if len(result.Estimates) != 11 {
		t.Fatalf("estimates = %d, want 11", len(result.Estimates))
	}
	for i, bpm := range result.Estimates {
		if bpm != 120 {
			t.Fatalf("estimate %d = %d, want 120", i, bpm)
		}
	}
	if result.Summary != nil {
		t.Error("summary should be off by default")
	}

	if want := []int64{11, 8, 16, 1}; !slices.Equal(model.shapes[0], want) {
		t.Errorf("input shape = %v, want %v", model.shapes[0], want)
	}

	stream := source.streams[0]
	if stream.flags != transcode.NoLooping|transcode.NoPostProcessing {
		t.Errorf("open flags = %b", stream.flags)
	}
	if math.Abs(stream.seeked-0.4) > 1e-9 {
		t.Errorf("seeked to %g, want 0.4", stream.seeked)
	}
	if !stream.closed {
		t.Error("stream not closed")
	}
}

func TestAnalyzeTrackNormalizedInput(t *testing.T) {
	source := newFakeSource()
	track := source.add("a.wav", fakeAudio{rate: testRate, channels: 1, samples: tone(2, testRate, 1)})
	model := &oneHotModel{hot: 0}
	p := newTestPipeline(t, source, model)

	if r := p.AnalyzeTrack(context.Background(), track, nil); !r.OK() {
		t.Fatal(r.Err)
	}

	var sum, sq float64
	for _, v := range model.inputs[0] {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(len(model.inputs[0]))
	mean := sum / n
	std := math.Sqrt(sq/n - mean*mean)
	if math.Abs(mean) > 1e-3 || math.Abs(std-1) > 1e-3 {
		t.Errorf("model input mean=%g std=%g, want 0 and 1", mean, std)
	}
}

func TestAnalyzeTrackIdempotent(t *testing.T) {
	source := newFakeSource()
	track := source.add("a.wav", fakeAudio{rate: testRate, channels: 2, samples: tone(2, testRate, 2)})
	model := &oneHotModel{hot: 7}
	p := newTestPipeline(t, source, model)

	first := p.AnalyzeTrack(context.Background(), track, nil)
	second := p.AnalyzeTrack(context.Background(), track, nil)
	if !first.OK() || !second.OK() {
		t.Fatal(first.Err, second.Err)
	}
	if !slices.Equal(first.Estimates, second.Estimates) {
		t.Errorf("estimates differ: %v vs %v", first.Estimates, second.Estimates)
	}
	if !slices.Equal(model.inputs[0], model.inputs[1]) {
		t.Error("model inputs differ between runs")
	}
}

func TestAnalyzeTrackFailures(t *testing.T) {
	tests := []struct {
		name  string
		audio fakeAudio
		model inference.Model
		want  Kind
	}{
		{
			name:  "wrong sample rate",
			audio: fakeAudio{rate: 48000, channels: 2, samples: tone(1, 48000, 2)},
			want:  UnsupportedSampleRate,
		},
		{
			name:  "too short",
			audio: fakeAudio{rate: testRate, channels: 1, samples: tone(0.1, testRate, 1)},
			want:  InsufficientAudio,
		},
		{
			name:  "empty",
			audio: fakeAudio{rate: testRate, channels: 1},
			want:  InsufficientAudio,
		},
		{
			name:  "silence",
			audio: fakeAudio{rate: testRate, channels: 2, samples: make([]float64, 2*2*testRate)},
			want:  DegenerateSignal,
		},
		{
			name:  "open failure",
			audio: fakeAudio{openErr: errors.New("no such file")},
			want:  DecodeFailure,
		},
		{
			name:  "bad channel layout",
			audio: fakeAudio{rate: testRate, channels: 0, samples: tone(2, testRate, 1)},
			want:  DecodeFailure,
		},
		{
			name:  "model contract",
			audio: fakeAudio{rate: testRate, channels: 1, samples: tone(2, testRate, 1)},
			model: inference.ModelFunc(func(context.Context, inference.NamedTensor, string) (*inference.Tensor, error) {
				return &inference.Tensor{Shape: []int64{1, 4}, Data: make([]float32, 4)}, nil
			}),
			want: ModelContractViolation,
		},
		{
			name:  "model runtime error",
			audio: fakeAudio{rate: testRate, channels: 1, samples: tone(2, testRate, 1)},
			model: inference.ModelFunc(func(context.Context, inference.NamedTensor, string) (*inference.Tensor, error) {
				return nil, errors.New("out of memory")
			}),
			want: InferenceFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newFakeSource()
			track := source.add("x.mp3", tt.audio)
			if tt.audio.channels == 0 {
				track.Duration = 0
			}

			model := tt.model
			if model == nil {
				model = &oneHotModel{}
			}
			p := newTestPipeline(t, source, model)

			result := p.AnalyzeTrack(context.Background(), track, nil)
			if result.OK() {
				t.Fatalf("expected failure, got %d estimates", len(result.Estimates))
			}
			if result.Err.Kind != tt.want {
				t.Errorf("kind = %s, want %s (%v)", result.Err.Kind, tt.want, result.Err)
			}
			if result.Err.TrackID != track.ID {
				t.Errorf("error track id = %q", result.Err.TrackID)
			}
			for _, s := range source.streams {
				if !s.closed {
					t.Error("stream left open after failure")
				}
			}
		})
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	source := newFakeSource()
	tracks := []Track{
		source.add("a.flac", fakeAudio{rate: testRate, channels: 2, samples: tone(2, testRate, 2)}),
		source.add("b.flac", fakeAudio{rate: 48000, channels: 2, samples: tone(1, 48000, 2)}),
		source.add("c.flac", fakeAudio{rate: testRate, channels: 1, samples: tone(3, testRate, 1)}),
	}

	p := newTestPipeline(t, source, &oneHotModel{hot: 90})
	progress := &recordingProgress{}
	sink := &recordingSink{err: errors.New("disk full")}

	report, err := p.Run(context.Background(), tracks, progress, sink)
	if err != nil {
		t.Fatal(err)
	}

	if report.Succeeded != 2 || report.Failed != 1 || report.Cancelled {
		t.Fatalf("report = %+v", report)
	}
	if report.Results[1].Err == nil || report.Results[1].Err.Kind != UnsupportedSampleRate {
		t.Errorf("track b: %+v", report.Results[1].Err)
	}
	for _, i := range []int{0, 2} {
		r := report.Results[i]
		if !r.OK() || len(r.Estimates) == 0 || r.Estimates[0] != 120 {
			t.Errorf("track %d: %+v", i, r)
		}
		if r.RunID != report.RunID {
			t.Errorf("track %d run id = %v, want %v", i, r.RunID, report.RunID)
		}
	}

	// sink errors are logged, not fatal
	if len(sink.results) != 3 {
		t.Errorf("sink saw %d results, want 3", len(sink.results))
	}

	if !slices.Equal(progress.items, []int{0, 1, 2}) {
		t.Errorf("items = %v", progress.items)
	}
	want := []float64{StageDecoded, StageMel, StageNormalizer, StageWindowed, StageDone}
	if !slices.Equal(progress.stages[0], want) {
		t.Errorf("stages = %v, want %v", progress.stages[0], want)
	}
	if len(progress.stages[1]) != 0 {
		t.Errorf("failed track reported stages %v", progress.stages[1])
	}

	for i, s := range source.streams {
		if !s.closed {
			t.Errorf("stream %d not closed", i)
		}
	}
}

func TestRunCancellation(t *testing.T) {
	source := newFakeSource()
	var tracks []Track
	for _, name := range []string{"a", "b", "c"} {
		tracks = append(tracks, source.add(name, fakeAudio{rate: testRate, channels: 1, samples: tone(2, testRate, 1)}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	model := inference.ModelFunc(func(ctx context.Context, input inference.NamedTensor, output string) (*inference.Tensor, error) {
		calls++
		if calls == 2 {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return (&oneHotModel{hot: 1}).Run(ctx, input, output)
	})

	p := newTestPipeline(t, source, model)
	sink := &recordingSink{}

	report, err := p.Run(ctx, tracks, nil, sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !report.Cancelled {
		t.Error("report not marked cancelled")
	}
	if len(report.Results) != 1 || report.Failed != 0 {
		t.Errorf("results = %d, failed = %d; want 1 and 0", len(report.Results), report.Failed)
	}
	if len(sink.results) != 1 {
		t.Errorf("sink saw %d results, want 1", len(sink.results))
	}
	if len(source.streams) != 2 {
		t.Errorf("opened %d streams, want 2", len(source.streams))
	}
	for i, s := range source.streams {
		if !s.closed {
			t.Errorf("stream %d not closed", i)
		}
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	source := newFakeSource()
	track := source.add("a", fakeAudio{rate: testRate, channels: 1, samples: tone(2, testRate, 1)})
	p := newTestPipeline(t, source, &oneHotModel{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := p.Run(ctx, []Track{track}, nil, nil)
	if !errors.Is(err, context.Canceled) || !report.Cancelled || len(report.Results) != 0 {
		t.Fatalf("err=%v report=%+v", err, report)
	}
	if len(source.streams) != 0 {
		t.Error("track opened after cancellation")
	}
}

func TestAnalyzeTrackSummary(t *testing.T) {
	source := newFakeSource()
	track := source.add("a", fakeAudio{rate: testRate, channels: 1, samples: tone(2, testRate, 1)})
	p := newTestPipeline(t, source, &oneHotModel{hot: 60}, WithAggregator(Median{}))

	result := p.AnalyzeTrack(context.Background(), track, nil)
	if !result.OK() {
		t.Fatal(result.Err)
	}
	if result.Summary == nil || *result.Summary != 90 {
		t.Errorf("summary = %v, want 90", result.Summary)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	source := newFakeSource()
	adapter, _ := inference.NewAdapter(&oneHotModel{}, inference.AdapterConfig{})

	bad := testConfig()
	bad.DecimationFactor = 0
	if _, err := New(bad, source, adapter); err == nil {
		t.Error("expected error for zero decimation factor")
	}

	bad = testConfig()
	bad.Mel.FMax = 5000 // above the 1000 Hz Nyquist of the working rate
	if _, err := New(bad, source, adapter); err == nil {
		t.Error("expected error for fmax above Nyquist")
	}

	bad = testConfig()
	bad.Aggregate = "mean"
	if _, err := New(bad, source, adapter); err == nil {
		t.Error("expected error for unknown aggregator")
	}

	if _, err := New(testConfig(), nil, adapter); err == nil {
		t.Error("expected error for nil source")
	}
}

func TestDefaultConfigWorkingRate(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.WorkingRate() != 11025 {
		t.Errorf("working rate = %d, want 11025", cfg.WorkingRate())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
