//go:build !tensorflow

package inference

import "fmt"

func openTensorFlow(path string, tags []string) (Model, error) {
	return nil, fmt.Errorf("%w: TensorFlow support not compiled (build with -tags=tensorflow)", ErrBackendUnavailable)
}
