//go:build tensorflow

package inference

import (
	"context"
	"fmt"

	tf "github.com/wamuir/graft/tensorflow"
)

// tfModel runs a TensorFlow SavedModel.
type tfModel struct {
	model *tf.SavedModel
}

func openTensorFlow(path string, tags []string) (Model, error) {
	model, err := tf.LoadSavedModel(path, tags, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load SavedModel %s: %w", path, err)
	}
	return &tfModel{model: model}, nil
}

func (m *tfModel) output(name string) (tf.Output, error) {
	opName, index, err := splitTensorName(name)
	if err != nil {
		return tf.Output{}, err
	}
	op := m.model.Graph.Operation(opName)
	if op == nil {
		return tf.Output{}, fmt.Errorf("operation %q not found", opName)
	}
	if index >= op.NumOutputs() {
		return tf.Output{}, fmt.Errorf("operation %q has no output %d", opName, index)
	}
	return op.Output(index), nil
}

// Run ignores ctx: a TensorFlow session call cannot be interrupted, the
// adapter abandons it instead.
func (m *tfModel) Run(_ context.Context, input NamedTensor, output string) (*Tensor, error) {
	in, err := m.output(input.Name)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	out, err := m.output(output)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}

	tensor, err := tf.NewTensor(input.Tensor.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	if err := tensor.Reshape(input.Tensor.Shape); err != nil {
		return nil, fmt.Errorf("failed to reshape input tensor to %v: %w", input.Tensor.Shape, err)
	}

	results, err := m.model.Session.Run(
		map[tf.Output]*tf.Tensor{in: tensor},
		[]tf.Output{out},
		nil,
	)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0] == nil {
		return nil, nil
	}

	result := results[0]
	data, err := flatten(result.Value())
	if err != nil {
		return nil, err
	}
	return &Tensor{Shape: result.Shape(), Data: data}, nil
}

func flatten(value any) ([]float32, error) {
	switch v := value.(type) {
	case []float32:
		return v, nil
	case [][]float32:
		var out []float32
		for _, row := range v {
			out = append(out, row...)
		}
		return out, nil
	case [][][]float32:
		var out []float32
		for _, plane := range v {
			for _, row := range plane {
				out = append(out, row...)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected output type: %T", value)
	}
}

func (m *tfModel) Close() error {
	if m.model != nil && m.model.Session != nil {
		return m.model.Session.Close()
	}
	return nil
}
