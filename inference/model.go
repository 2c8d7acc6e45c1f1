// Package inference runs the tempo classifier over a batch of spectrogram
// windows. The model runtime is pluggable: a TensorFlow SavedModel or an ONNX
// graph when built with the matching tag, or any Model in tests.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrModelContractViolation means the model returned something other
	// than one score row per input window.
	ErrModelContractViolation = errors.New("model contract violation")
	// ErrInference wraps runtime failures and per-call timeouts.
	ErrInference = errors.New("inference failed")
	// ErrBackendUnavailable is returned by Open for backends not compiled in.
	ErrBackendUnavailable = errors.New("inference backend not available")
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor checks that data holds exactly the number of elements shape describes.
func NewTensor(shape []int64, data []float32) (*Tensor, error) {
	n, err := elements(shape)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != n {
		return nil, fmt.Errorf("tensor shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

func elements(shape []int64) (int64, error) {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		n *= d
	}
	return n, nil
}

// NamedTensor is a tensor bound to a graph input.
type NamedTensor struct {
	Name   string
	Tensor *Tensor
}

// Model executes a loaded graph. Implementations are used read-only and
// may be shared across tracks; Run must be safe to call repeatedly.
type Model interface {
	Run(ctx context.Context, input NamedTensor, output string) (*Tensor, error)
	Close() error
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, input NamedTensor, output string) (*Tensor, error)

func (f ModelFunc) Run(ctx context.Context, input NamedTensor, output string) (*Tensor, error) {
	return f(ctx, input, output)
}

func (f ModelFunc) Close() error { return nil }

// ScoreMatrix holds one row of class scores per input window.
type ScoreMatrix struct {
	Rows int
	Cols int
	Data []float32
}

// Row returns the scores of window i. The slice aliases the matrix.
func (m *ScoreMatrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// splitTensorName parses "op:index" graph identifiers. A bare op name
// refers to output 0.
func splitTensorName(name string) (string, int, error) {
	op, idx, found := strings.Cut(name, ":")
	if op == "" {
		return "", 0, fmt.Errorf("empty tensor name %q", name)
	}
	if !found {
		return op, 0, nil
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("invalid output index in tensor name %q", name)
	}
	return op, index, nil
}
