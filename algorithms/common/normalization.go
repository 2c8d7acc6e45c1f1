package common

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// ErrDegenerateSignal is returned when a buffer has no usable spread:
// it is empty, constant, or its statistics are not finite.
var ErrDegenerateSignal = errors.New("degenerate signal: cannot normalize")

// minChunk keeps tiny buffers on a single goroutine.
const minChunk = 4096

// constantTolerance is the std/|mean| ratio below which a buffer counts as constant.
const constantTolerance = 1e-9

// ZScoreNormalizer rescales a buffer to zero mean and unit variance.
// Statistics are accumulated in float64 across parallel partitions.
type ZScoreNormalizer struct {
	workers int
}

// NewZScoreNormalizer creates a normalizer. workers <= 0 uses runtime.NumCPU().
func NewZScoreNormalizer(workers int) *ZScoreNormalizer {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &ZScoreNormalizer{workers: workers}
}

// Stats returns the population mean and standard deviation of data.
func (n *ZScoreNormalizer) Stats(data []float32) (mean, std float64) {
	if len(data) == 0 {
		return 0, 0
	}

	sums := n.partials(data, func(part []float32) float64 {
		s := 0.0
		for _, v := range part {
			s += float64(v)
		}
		return s
	})
	mean = floats.Sum(sums) / float64(len(data))

	// Second pass on deviations avoids cancellation from sum of squares
	sq := n.partials(data, func(part []float32) float64 {
		s := 0.0
		for _, v := range part {
			d := float64(v) - mean
			s += d * d
		}
		return s
	})
	std = math.Sqrt(floats.Sum(sq) / float64(len(data)))

	return mean, std
}

// NormalizeInPlace replaces every value v with (v-mean)/std. On
// ErrDegenerateSignal data is left untouched.
func (n *ZScoreNormalizer) NormalizeInPlace(data []float32) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrDegenerateSignal)
	}

	mean, std := n.Stats(data)
	if math.IsNaN(mean) || math.IsInf(mean, 0) || math.IsNaN(std) || math.IsInf(std, 0) {
		return fmt.Errorf("%w: non-finite statistics (mean=%g std=%g)", ErrDegenerateSignal, mean, std)
	}
	// A constant buffer can leave rounding residue in std
	if std == 0 || std <= math.Abs(mean)*constantTolerance {
		return fmt.Errorf("%w: zero standard deviation", ErrDegenerateSignal)
	}

	n.partials(data, func(part []float32) float64 {
		for i, v := range part {
			part[i] = float32((float64(v) - mean) / std)
		}
		return 0
	})
	return nil
}

// partials splits data into contiguous chunks, runs fn on each in its own
// goroutine and returns the per-chunk results in order.
func (n *ZScoreNormalizer) partials(data []float32, fn func([]float32) float64) []float64 {
	workers := min(n.workers, max(1, len(data)/minChunk))
	if workers <= 1 {
		return []float64{fn(data)}
	}

	chunk := (len(data) + workers - 1) / workers
	results := make([]float64, workers)

	var wg sync.WaitGroup
	for w := range workers {
		start := w * chunk
		if start >= len(data) {
			break
		}
		end := min(start+chunk, len(data))

		wg.Add(1)
		go func(w int, part []float32) {
			defer wg.Done()
			results[w] = fn(part)
		}(w, data[start:end])
	}
	wg.Wait()

	return results
}
