package inference

import (
	"fmt"
	"strings"

	"github.com/RyanBlaney/sonido-tempo/logging"
)

// Supported model backends.
const (
	BackendTensorFlow = "tensorflow"
	BackendONNX       = "onnx"
)

// BackendConfig locates a model artifact and the runtime that loads it.
type BackendConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	// Path is a SavedModel directory or an .onnx file.
	Path string `json:"path" yaml:"path"`
	// Tags select the SavedModel meta graph.
	Tags []string `json:"tags" yaml:"tags"`
	// SharedLibrary is the onnxruntime library; empty uses the system default.
	SharedLibrary string `json:"shared_library" yaml:"shared_library"`
}

// DefaultBackendConfig loads ./model as a TensorFlow SavedModel.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Backend: BackendTensorFlow,
		Path:    "./model",
		Tags:    []string{"serve"},
	}
}

// Validate checks the backend name and path.
func (c BackendConfig) Validate() error {
	switch strings.ToLower(c.Backend) {
	case BackendTensorFlow, BackendONNX:
	default:
		return fmt.Errorf("unknown model backend %q", c.Backend)
	}
	if c.Path == "" {
		return fmt.Errorf("model path is required")
	}
	return nil
}

// Open loads the model once; the result is shared read-only by every track
// of a run and must be closed by the caller.
func Open(cfg BackendConfig) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.WithFields(logging.Fields{
		"component": "inference",
		"backend":   cfg.Backend,
		"path":      cfg.Path,
	})
	logger.Info("Loading model")

	var (
		model Model
		err   error
	)
	switch strings.ToLower(cfg.Backend) {
	case BackendTensorFlow:
		tags := cfg.Tags
		if len(tags) == 0 {
			tags = []string{"serve"}
		}
		model, err = openTensorFlow(cfg.Path, tags)
	case BackendONNX:
		model, err = openONNX(cfg.Path, cfg.SharedLibrary)
	}
	if err != nil {
		logger.Error(err, "Failed to load model")
		return nil, err
	}

	return model, nil
}
