//go:build !onnx

package inference

import "fmt"

func openONNX(path, sharedLibrary string) (Model, error) {
	return nil, fmt.Errorf("%w: ONNX support not compiled (build with -tags=onnx)", ErrBackendUnavailable)
}
