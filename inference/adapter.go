package inference

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/RyanBlaney/sonido-tempo/logging"
)

// Shape tokens resolved per call.
const (
	DimFrames    = "n_frames"
	DimBands     = "bands"
	DimFrameSize = "frame_size"
)

// AdapterConfig names the graph tensors and describes the input layout.
type AdapterConfig struct {
	InputName  string   `json:"input_name" yaml:"input_name"`
	OutputName string   `json:"output_name" yaml:"output_name"`
	InputShape []string `json:"input_shape" yaml:"input_shape"`
	// Timeout bounds a single model call; zero means no limit.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultAdapterConfig returns the tensor names of the bundled tempo model.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		InputName:  "serving_default_input_201:0",
		OutputName: "StatefulPartitionedCall:0",
		InputShape: []string{DimFrames, DimBands, DimFrameSize, "1"},
	}
}

// Validate checks that every shape token is known.
func (c AdapterConfig) Validate() error {
	if c.InputName == "" || c.OutputName == "" {
		return fmt.Errorf("input and output tensor names are required")
	}
	if len(c.InputShape) == 0 {
		return fmt.Errorf("input shape is required")
	}
	_, err := resolveShape(c.InputShape, 1, 1, 1)
	return err
}

// Adapter turns a flat window batch into a model call and checks the result.
type Adapter struct {
	model  Model
	config AdapterConfig
	logger logging.Logger
}

// NewAdapter wraps model. Empty config fields take DefaultAdapterConfig values.
func NewAdapter(model Model, config AdapterConfig) (*Adapter, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}

	defaults := DefaultAdapterConfig()
	if config.InputName == "" {
		config.InputName = defaults.InputName
	}
	if config.OutputName == "" {
		config.OutputName = defaults.OutputName
	}
	if len(config.InputShape) == 0 {
		config.InputShape = defaults.InputShape
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Adapter{
		model:  model,
		config: config,
		logger: logging.WithFields(logging.Fields{
			"component": "inference_adapter",
		}),
	}, nil
}

// Config returns the effective configuration.
func (a *Adapter) Config() AdapterConfig {
	return a.config
}

type runResult struct {
	tensor *Tensor
	err    error
}

// Infer runs the model on batch, which must hold nFrames*bands*frameSize
// values. The call returns as soon as ctx is done; a late model result is
// discarded.
func (a *Adapter) Infer(ctx context.Context, batch []float32, nFrames, bands, frameSize int) (*ScoreMatrix, error) {
	if nFrames <= 0 || bands <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("invalid batch dimensions %dx%dx%d", nFrames, bands, frameSize)
	}
	if want := nFrames * bands * frameSize; len(batch) != want {
		return nil, fmt.Errorf("batch has %d values, expected %d (%d x %d x %d)", len(batch), want, nFrames, bands, frameSize)
	}

	shape, err := resolveShape(a.config.InputShape, nFrames, bands, frameSize)
	if err != nil {
		return nil, err
	}
	input, err := NewTensor(shape, batch)
	if err != nil {
		return nil, fmt.Errorf("input shape: %w", err)
	}

	callCtx := ctx
	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan runResult, 1)
	go func() {
		out, err := a.model.Run(callCtx, NamedTensor{Name: a.config.InputName, Tensor: input}, a.config.OutputName)
		done <- runResult{tensor: out, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: model call exceeded %v", ErrInference, a.config.Timeout)
	}

	if res.err != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if errors.Is(res.err, ErrModelContractViolation) {
			return nil, res.err
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, res.err)
	}

	scores, err := scoreMatrix(res.tensor, nFrames)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Model inference completed", logging.Fields{
		"windows":  nFrames,
		"classes":  scores.Cols,
		"duration": time.Since(start).Seconds(),
	})

	return scores, nil
}

// scoreMatrix validates the model output against the window count.
func scoreMatrix(out *Tensor, nFrames int) (*ScoreMatrix, error) {
	if out == nil {
		return nil, fmt.Errorf("%w: model returned no output", ErrModelContractViolation)
	}
	if len(out.Shape) != 2 {
		return nil, fmt.Errorf("%w: output rank %d, expected 2 (shape %v)", ErrModelContractViolation, len(out.Shape), out.Shape)
	}

	rows, cols := out.Shape[0], out.Shape[1]
	if rows != int64(nFrames) {
		return nil, fmt.Errorf("%w: output has %d rows for %d windows", ErrModelContractViolation, rows, nFrames)
	}
	if cols <= 0 {
		return nil, fmt.Errorf("%w: output has no classes", ErrModelContractViolation)
	}
	if int64(len(out.Data)) != rows*cols {
		return nil, fmt.Errorf("%w: output holds %d values for shape %v", ErrModelContractViolation, len(out.Data), out.Shape)
	}

	return &ScoreMatrix{Rows: int(rows), Cols: int(cols), Data: out.Data}, nil
}

// resolveShape replaces dimension tokens with the batch dimensions.
func resolveShape(tokens []string, nFrames, bands, frameSize int) ([]int64, error) {
	shape := make([]int64, len(tokens))
	for i, tok := range tokens {
		switch tok {
		case DimFrames:
			shape[i] = int64(nFrames)
		case DimBands:
			shape[i] = int64(bands)
		case DimFrameSize:
			shape[i] = int64(frameSize)
		default:
			v, err := strconv.ParseInt(tok, 10, 64)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("invalid input shape token %q", tok)
			}
			shape[i] = v
		}
	}
	return shape, nil
}
