//go:build onnx

package inference

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// onnxModel runs an ONNX graph. Sessions are bound to their input and
// output names, so one is created per name pair on first use.
type onnxModel struct {
	path string

	mu       sync.Mutex
	sessions map[[2]string]*ort.DynamicAdvancedSession
}

func openONNX(path, sharedLibrary string) (Model, error) {
	if !ort.IsInitialized() {
		if sharedLibrary != "" {
			ort.SetSharedLibraryPath(sharedLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	return &onnxModel{
		path:     path,
		sessions: make(map[[2]string]*ort.DynamicAdvancedSession),
	}, nil
}

func (m *onnxModel) session(input, output string) (*ort.DynamicAdvancedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]string{input, output}
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	s, err := ort.NewDynamicAdvancedSession(m.path, []string{input}, []string{output}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", m.path, err)
	}
	m.sessions[key] = s
	return s, nil
}

// Run ignores ctx: onnxruntime calls cannot be interrupted, the adapter
// abandons them instead.
func (m *onnxModel) Run(_ context.Context, input NamedTensor, output string) (*Tensor, error) {
	session, err := m.session(input.Name, output)
	if err != nil {
		return nil, err
	}

	in, err := ort.NewTensor(ort.NewShape(input.Tensor.Shape...), input.Tensor.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	// nil outputs are allocated by onnxruntime
	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, err
	}
	if outputs[0] == nil {
		return nil, nil
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type: %T", outputs[0])
	}

	// GetData aliases memory freed by Destroy
	data := append([]float32(nil), out.GetData()...)
	return &Tensor{Shape: []int64(out.GetShape()), Data: data}, nil
}

func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for key, s := range m.sessions {
		if err := s.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.sessions, key)
	}
	return firstErr
}
