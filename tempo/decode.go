package tempo

import (
	"fmt"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/RyanBlaney/sonido-tempo/inference"
)

// DefaultMinBPM is the tempo of class 0.
const DefaultMinBPM = 30

// Decode turns each score row into a tempo: the index of the largest score
// (the lowest index on ties) plus minBPM. The result has one estimate per
// row, in window order.
func Decode(scores *inference.ScoreMatrix, minBPM int) []int {
	if scores == nil || scores.Rows == 0 || scores.Cols == 0 {
		return []int{}
	}

	estimates := make([]int, scores.Rows)
	row := make([]float64, scores.Cols)
	for r := range scores.Rows {
		for c, v := range scores.Row(r) {
			row[c] = float64(v)
		}
		estimates[r] = floats.MaxIdx(row) + minBPM
	}
	return estimates
}

// Aggregator reduces per-window estimates to one tempo.
type Aggregator interface {
	Name() string
	Aggregate(estimates []int) (int, error)
}

// Median picks the lower median estimate.
type Median struct{}

func (Median) Name() string { return "median" }

func (Median) Aggregate(estimates []int) (int, error) {
	if len(estimates) == 0 {
		return 0, fmt.Errorf("no estimates to aggregate")
	}
	x := toFloats(estimates)
	slices.Sort(x)
	return int(stat.Quantile(0.5, stat.Empirical, x, nil)), nil
}

// Mode picks the most frequent estimate, the smallest one on ties.
type Mode struct{}

func (Mode) Name() string { return "mode" }

func (Mode) Aggregate(estimates []int) (int, error) {
	if len(estimates) == 0 {
		return 0, fmt.Errorf("no estimates to aggregate")
	}
	// longest run in sorted order; a later run must be strictly longer
	x := slices.Clone(estimates)
	slices.Sort(x)
	mode, best := x[0], 0
	for i := 0; i < len(x); {
		j := i
		for j < len(x) && x[j] == x[i] {
			j++
		}
		if j-i > best {
			mode, best = x[i], j-i
		}
		i = j
	}
	return mode, nil
}

func toFloats(values []int) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

// AggregatorByName returns the named aggregator; "" and "none" return nil.
func AggregatorByName(name string) (Aggregator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return nil, nil
	case "median":
		return Median{}, nil
	case "mode":
		return Mode{}, nil
	default:
		return nil, fmt.Errorf("unknown aggregator %q", name)
	}
}
