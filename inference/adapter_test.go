package inference

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

// oneHot returns a model that scores class hot for every window.
func oneHot(classes, hot int) ModelFunc {
	return func(_ context.Context, input NamedTensor, _ string) (*Tensor, error) {
		rows := input.Tensor.Shape[0]
		data := make([]float32, int(rows)*classes)
		for r := range int(rows) {
			data[r*classes+hot] = 1
		}
		return &Tensor{Shape: []int64{rows, int64(classes)}, Data: data}, nil
	}
}

func TestInferShapesInput(t *testing.T) {
	var gotInput NamedTensor
	var gotOutput string
	model := ModelFunc(func(ctx context.Context, input NamedTensor, output string) (*Tensor, error) {
		gotInput, gotOutput = input, output
		return oneHot(5, 2)(ctx, input, output)
	})

	adapter, err := NewAdapter(model, AdapterConfig{})
	if err != nil {
		t.Fatal(err)
	}

	batch := make([]float32, 3*4*6)
	scores, err := adapter.Infer(context.Background(), batch, 3, 4, 6)
	if err != nil {
		t.Fatal(err)
	}

	if gotInput.Name != "serving_default_input_201:0" || gotOutput != "StatefulPartitionedCall:0" {
		t.Errorf("tensor names = %q, %q", gotInput.Name, gotOutput)
	}
	if want := []int64{3, 4, 6, 1}; !slices.Equal(gotInput.Tensor.Shape, want) {
		t.Errorf("input shape = %v, want %v", gotInput.Tensor.Shape, want)
	}
	if scores.Rows != 3 || scores.Cols != 5 {
		t.Errorf("scores %dx%d, want 3x5", scores.Rows, scores.Cols)
	}
	if row := scores.Row(1); row[2] != 1 {
		t.Errorf("row 1 = %v", row)
	}
}

func TestInferCustomShape(t *testing.T) {
	var got []int64
	model := ModelFunc(func(ctx context.Context, input NamedTensor, output string) (*Tensor, error) {
		got = input.Tensor.Shape
		return &Tensor{Shape: []int64{2, 1}, Data: []float32{0, 0}}, nil
	})
	adapter, err := NewAdapter(model, AdapterConfig{
		InputName:  "x",
		OutputName: "y",
		InputShape: []string{"n_frames", "frame_size", "bands"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := adapter.Infer(context.Background(), make([]float32, 2*3*4), 2, 3, 4); err != nil {
		t.Fatal(err)
	}
	if want := []int64{2, 4, 3}; !slices.Equal(got, want) {
		t.Errorf("shape = %v, want %v", got, want)
	}
}

func TestInferBatchLengthMismatch(t *testing.T) {
	adapter, _ := NewAdapter(oneHot(4, 0), AdapterConfig{})
	if _, err := adapter.Infer(context.Background(), make([]float32, 10), 1, 2, 6); err == nil {
		t.Fatal("expected error for wrong batch length")
	}
}

func TestInferContractViolations(t *testing.T) {
	tests := []struct {
		name string
		out  *Tensor
	}{
		{"nil output", nil},
		{"rank 1", &Tensor{Shape: []int64{2}, Data: []float32{1, 2}}},
		{"rank 3", &Tensor{Shape: []int64{2, 1, 1}, Data: []float32{1, 2}}},
		{"wrong rows", &Tensor{Shape: []int64{3, 2}, Data: make([]float32, 6)}},
		{"no classes", &Tensor{Shape: []int64{2, 0}, Data: nil}},
		{"short data", &Tensor{Shape: []int64{2, 4}, Data: make([]float32, 7)}},
	}

	for _, tt := range tests {
		model := ModelFunc(func(context.Context, NamedTensor, string) (*Tensor, error) {
			return tt.out, nil
		})
		adapter, _ := NewAdapter(model, AdapterConfig{})
		_, err := adapter.Infer(context.Background(), make([]float32, 2*2*2), 2, 2, 2)
		if !errors.Is(err, ErrModelContractViolation) {
			t.Errorf("%s: err = %v, want ErrModelContractViolation", tt.name, err)
		}
	}
}

func TestInferModelError(t *testing.T) {
	model := ModelFunc(func(context.Context, NamedTensor, string) (*Tensor, error) {
		return nil, errors.New("session exploded")
	})
	adapter, _ := NewAdapter(model, AdapterConfig{})
	_, err := adapter.Infer(context.Background(), make([]float32, 8), 2, 2, 2)
	if !errors.Is(err, ErrInference) {
		t.Fatalf("err = %v, want ErrInference", err)
	}
}

func TestInferCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	model := ModelFunc(func(context.Context, NamedTensor, string) (*Tensor, error) {
		<-release
		return nil, nil
	})
	adapter, _ := NewAdapter(model, AdapterConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := adapter.Infer(ctx, make([]float32, 8), 2, 2, 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestInferTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	model := ModelFunc(func(context.Context, NamedTensor, string) (*Tensor, error) {
		<-release
		return nil, nil
	})
	adapter, _ := NewAdapter(model, AdapterConfig{Timeout: 20 * time.Millisecond})

	_, err := adapter.Infer(context.Background(), make([]float32, 8), 2, 2, 2)
	if !errors.Is(err, ErrInference) {
		t.Fatalf("err = %v, want ErrInference", err)
	}
}

func TestAdapterConfigValidate(t *testing.T) {
	if _, err := NewAdapter(nil, AdapterConfig{}); err == nil {
		t.Error("expected error for nil model")
	}
	if _, err := NewAdapter(oneHot(2, 0), AdapterConfig{InputShape: []string{"n_frames", "depth"}}); err == nil {
		t.Error("expected error for unknown shape token")
	}
	if _, err := NewAdapter(oneHot(2, 0), AdapterConfig{InputShape: []string{"n_frames", "0"}}); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestSplitTensorName(t *testing.T) {
	tests := []struct {
		in      string
		op      string
		index   int
		wantErr bool
	}{
		{"StatefulPartitionedCall:0", "StatefulPartitionedCall", 0, false},
		{"serving_default_input_201:0", "serving_default_input_201", 0, false},
		{"out:2", "out", 2, false},
		{"bare", "bare", 0, false},
		{":1", "", 0, true},
		{"op:x", "", 0, true},
		{"op:-1", "", 0, true},
	}
	for _, tt := range tests {
		op, index, err := splitTensorName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && (op != tt.op || index != tt.index) {
			t.Errorf("%q: got (%q, %d), want (%q, %d)", tt.in, op, index, tt.op, tt.index)
		}
	}
}

func TestOpenWithoutBackend(t *testing.T) {
	if _, err := Open(BackendConfig{Backend: "pytorch", Path: "m"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := Open(BackendConfig{Backend: BackendONNX}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestNewTensor(t *testing.T) {
	if _, err := NewTensor([]int64{2, 3}, make([]float32, 6)); err != nil {
		t.Fatal(err)
	}
	if _, err := NewTensor([]int64{2, 3}, make([]float32, 5)); err == nil {
		t.Error("expected element count error")
	}
	if _, err := NewTensor([]int64{-1, 3}, nil); err == nil {
		t.Error("expected negative dimension error")
	}
}
