package common

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/stat"
)

func makeSpectrogram(rows, bands int) [][]float32 {
	spec := make([][]float32, rows)
	for t := range spec {
		spec[t] = make([]float32, bands)
		for b := range spec[t] {
			spec[t][b] = float32(t*1000 + b)
		}
	}
	return spec
}

func TestWindowBatchCounts(t *testing.T) {
	tests := []struct {
		rows, frame, hop int
		want             int
	}{
		{256, 256, 128, 1},
		{383, 256, 128, 1},
		{384, 256, 128, 2},
		{1000, 256, 128, 6},
		{10, 4, 2, 4},
		{10, 3, 5, 2},
	}
	for _, tt := range tests {
		batch, n, err := WindowBatch(makeSpectrogram(tt.rows, 3), tt.frame, tt.hop)
		if err != nil {
			t.Fatalf("rows=%d frame=%d hop=%d: %v", tt.rows, tt.frame, tt.hop, err)
		}
		if n != tt.want {
			t.Errorf("rows=%d frame=%d hop=%d: n_frames=%d, want %d", tt.rows, tt.frame, tt.hop, n, tt.want)
		}
		if len(batch) != n*tt.frame*3 {
			t.Errorf("batch length %d, want %d", len(batch), n*tt.frame*3)
		}
	}
}

func TestWindowBatchLayout(t *testing.T) {
	spec := makeSpectrogram(10, 3)
	batch, n, err := WindowBatch(spec, 4, 2)
	if err != nil {
		t.Fatal(err)
	}

	// window w, row r, band b lives at ((w*frame)+r)*bands+b
	for w := range n {
		for r := range 4 {
			for b := range 3 {
				got := batch[(w*4+r)*3+b]
				want := spec[w*2+r][b]
				if got != want {
					t.Fatalf("window %d row %d band %d = %v, want %v", w, r, b, got, want)
				}
			}
		}
	}
}

func TestWindowBatchInsufficient(t *testing.T) {
	for _, rows := range []int{0, 1, 255} {
		batch, n, err := WindowBatch(makeSpectrogram(rows, 40), 256, 128)
		if !errors.Is(err, ErrInsufficientFrames) {
			t.Errorf("rows=%d: err = %v, want ErrInsufficientFrames", rows, err)
		}
		if n != 0 || len(batch) != 0 {
			t.Errorf("rows=%d: expected empty batch, got n=%d len=%d", rows, n, len(batch))
		}
	}
}

func TestWindowBatchInvalid(t *testing.T) {
	if _, _, err := WindowBatch(makeSpectrogram(10, 2), 0, 1); err == nil {
		t.Error("expected error for zero frame size")
	}
	if _, _, err := WindowBatch(makeSpectrogram(10, 2), 4, -1); err == nil {
		t.Error("expected error for negative hop")
	}

	ragged := makeSpectrogram(8, 3)
	ragged[5] = ragged[5][:2]
	if _, _, err := WindowBatch(ragged, 4, 2); err == nil {
		t.Error("expected error for ragged rows")
	}
}

func TestZScoreNormalize(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for _, size := range []int{7, 5000, 100_003} {
		data := make([]float32, size)
		for i := range data {
			data[i] = float32(rng.NormFloat64()*3 + 10)
		}

		if err := NewZScoreNormalizer(4).NormalizeInPlace(data); err != nil {
			t.Fatalf("size %d: %v", size, err)
		}

		values := make([]float64, len(data))
		for i, v := range data {
			values[i] = float64(v)
		}
		mean := stat.Mean(values, nil)
		std := math.Sqrt(stat.PopVariance(values, nil))
		if math.Abs(mean) > 1e-4 {
			t.Errorf("size %d: mean = %g, want ~0", size, mean)
		}
		if math.Abs(std-1) > 1e-4 {
			t.Errorf("size %d: std = %g, want ~1", size, std)
		}
	}
}

func TestZScoreStatsMatchesGonum(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	data := make([]float32, 50_000)
	values := make([]float64, len(data))
	for i := range data {
		data[i] = float32(rng.Float64() * 100)
		values[i] = float64(data[i])
	}

	for _, workers := range []int{1, 3, 16} {
		mean, std := NewZScoreNormalizer(workers).Stats(data)
		if want := stat.Mean(values, nil); math.Abs(mean-want) > 1e-9 {
			t.Errorf("workers=%d: mean %g, want %g", workers, mean, want)
		}
		if want := math.Sqrt(stat.PopVariance(values, nil)); math.Abs(std-want) > 1e-9 {
			t.Errorf("workers=%d: std %g, want %g", workers, std, want)
		}
	}
}

func TestZScoreDegenerate(t *testing.T) {
	n := NewZScoreNormalizer(0)

	tests := []struct {
		name string
		data []float32
	}{
		{"empty", []float32{}},
		{"silence", make([]float32, 10_000)},
		{"constant", []float32{0.1, 0.1, 0.1, 0.1, 0.1}},
		{"nan", []float32{1, 2, float32(math.NaN()), 4}},
		{"inf", []float32{1, float32(math.Inf(1)), 3}},
	}
	for _, tt := range tests {
		before := append([]float32(nil), tt.data...)
		err := n.NormalizeInPlace(tt.data)
		if !errors.Is(err, ErrDegenerateSignal) {
			t.Errorf("%s: err = %v, want ErrDegenerateSignal", tt.name, err)
			continue
		}
		for i := range before {
			same := before[i] == tt.data[i] || (math.IsNaN(float64(before[i])) && math.IsNaN(float64(tt.data[i])))
			if !same {
				t.Errorf("%s: buffer modified at %d", tt.name, i)
				break
			}
		}
	}
}
