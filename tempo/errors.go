package tempo

import (
	"context"
	"errors"
	"fmt"

	"github.com/RyanBlaney/sonido-tempo/algorithms/common"
	"github.com/RyanBlaney/sonido-tempo/inference"
	"github.com/RyanBlaney/sonido-tempo/transcode"
)

// Kind classifies why a track produced no estimates.
type Kind int

const (
	KindUnknown Kind = iota
	UnsupportedSampleRate
	InsufficientAudio
	DegenerateSignal
	ModelContractViolation
	DecodeFailure
	InferenceFailure
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case UnsupportedSampleRate:
		return "unsupported_sample_rate"
	case InsufficientAudio:
		return "insufficient_audio"
	case DegenerateSignal:
		return "degenerate_signal"
	case ModelContractViolation:
		return "model_contract_violation"
	case DecodeFailure:
		return "decode_failure"
	case InferenceFailure:
		return "inference_failure"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText makes Kind readable in encoded results.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the String form.
func (k *Kind) UnmarshalText(text []byte) error {
	for c := KindUnknown; c <= Cancelled; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// TrackError is the failure of a single track.
type TrackError struct {
	TrackID string
	Path    string
	Kind    Kind
	Err     error
}

func (e *TrackError) Error() string {
	return fmt.Sprintf("track %s (%s): %s: %v", e.TrackID, e.Path, e.Kind, e.Err)
}

func (e *TrackError) Unwrap() error {
	return e.Err
}

// classify maps a stage error to its Kind. Once ctx is done every failure
// counts as cancellation; otherwise component sentinels win over the stage
// default.
func classify(ctx context.Context, err error, fallback Kind) Kind {
	switch {
	case ctx.Err() != nil:
		return Cancelled
	case errors.Is(err, transcode.ErrUnsupportedSampleRate):
		return UnsupportedSampleRate
	case errors.Is(err, common.ErrInsufficientFrames):
		return InsufficientAudio
	case errors.Is(err, common.ErrDegenerateSignal):
		return DegenerateSignal
	case errors.Is(err, inference.ErrModelContractViolation):
		return ModelContractViolation
	case errors.Is(err, inference.ErrInference):
		return InferenceFailure
	case errors.Is(err, transcode.ErrDecode), errors.Is(err, transcode.ErrInvalidChunk):
		return DecodeFailure
	default:
		return fallback
	}
}
