package tempo

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Track is a host-owned reference to an audio file.
type Track struct {
	ID       string
	Path     string
	Duration time.Duration
}

// NewTrack builds a track whose ID is stable for the absolute path.
func NewTrack(path string, duration time.Duration) Track {
	return Track{ID: TrackID(path), Path: path, Duration: duration}
}

// TrackID returns a name-based UUID of the absolute path.
func TrackID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(path))).String()
}

// TrackResult is the outcome of analysing one track. Exactly one of
// Estimates and Err is meaningful.
type TrackResult struct {
	RunID     uuid.UUID
	Track     Track
	Estimates []int
	Summary   *int
	Err       *TrackError
	Elapsed   time.Duration
}

// OK reports whether the track produced estimates.
func (r TrackResult) OK() bool {
	return r.Err == nil
}

// Cancelled reports whether the run was cancelled while this track was in flight.
func (r TrackResult) Cancelled() bool {
	return r.Err != nil && r.Err.Kind == Cancelled
}

// ResultSink receives the outcome of every completed track.
type ResultSink interface {
	Record(ctx context.Context, result TrackResult) error
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(ctx context.Context, result TrackResult) error

func (f ResultSinkFunc) Record(ctx context.Context, result TrackResult) error {
	return f(ctx, result)
}

// MultiSink records to every sink and joins their errors.
type MultiSink []ResultSink

func (m MultiSink) Record(ctx context.Context, result TrackResult) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Report summarises a batch run.
type Report struct {
	RunID     uuid.UUID
	Results   []TrackResult
	Succeeded int
	Failed    int
	Cancelled bool
	Started   time.Time
	Elapsed   time.Duration
}

func (r *Report) add(result TrackResult) {
	r.Results = append(r.Results, result)
	if result.OK() {
		r.Succeeded++
	} else {
		r.Failed++
	}
}
