package tempo

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/RyanBlaney/sonido-tempo/inference"
)

func TestDecode(t *testing.T) {
	scores := &inference.ScoreMatrix{
		Rows: 4,
		Cols: 5,
		Data: []float32{
			0.1, 0.2, 0.9, 0.3, 0.0, // single max at 2
			0.5, 0.5, 0.1, 0.5, 0.2, // tie -> lowest index 0
			0, 0, 0, 0, 0, // all equal -> 0
			-3, -2, -1, -4, -0.5, // negatives, max at 4
		},
	}

	got := Decode(scores, 30)
	want := []int{32, 30, 30, 34}
	if !slices.Equal(got, want) {
		t.Errorf("Decode = %v, want %v", got, want)
	}

	if got := Decode(scores, 0); got[0] != 2 {
		t.Errorf("min bpm 0: got %d, want 2", got[0])
	}
	if got := Decode(nil, 30); len(got) != 0 {
		t.Errorf("nil scores gave %v", got)
	}
}

func TestAggregators(t *testing.T) {
	estimates := []int{120, 118, 120, 240, 121, 120, 60}

	tests := []struct {
		agg  Aggregator
		in   []int
		want int
	}{
		{Median{}, estimates, 120},
		{Median{}, []int{100, 90}, 90},
		{Median{}, []int{7}, 7},
		{Mode{}, estimates, 120},
		{Mode{}, []int{90, 91, 91, 92}, 91},
		{Mode{}, []int{120, 120, 60, 60, 90}, 60},
		{Mode{}, []int{140, 70, 100}, 70},
	}
	for _, tt := range tests {
		// repeated so an order-dependent tie break shows up
		for range 50 {
			got, err := tt.agg.Aggregate(tt.in)
			if err != nil {
				t.Fatalf("%s(%v): %v", tt.agg.Name(), tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("%s(%v) = %d, want %d", tt.agg.Name(), tt.in, got, tt.want)
			}
		}
	}

	in := []int{120, 120, 60, 60, 90}
	if _, err := (Mode{}).Aggregate(in); err != nil || !slices.Equal(in, []int{120, 120, 60, 60, 90}) {
		t.Errorf("Mode modified its input: %v", in)
	}

	for _, agg := range []Aggregator{Median{}, Mode{}} {
		if _, err := agg.Aggregate(nil); err == nil {
			t.Errorf("%s: expected error on empty input", agg.Name())
		}
	}
}

func TestAggregatorByName(t *testing.T) {
	for name, want := range map[string]string{"median": "median", " Mode ": "mode"} {
		agg, err := AggregatorByName(name)
		if err != nil || agg == nil || agg.Name() != want {
			t.Errorf("AggregatorByName(%q) = %v, %v", name, agg, err)
		}
	}
	for _, name := range []string{"", "none"} {
		if agg, err := AggregatorByName(name); agg != nil || err != nil {
			t.Errorf("AggregatorByName(%q) = %v, %v; want nil, nil", name, agg, err)
		}
	}
	if _, err := AggregatorByName("mean"); err == nil {
		t.Error("expected error for unknown aggregator")
	}
}

func TestKindText(t *testing.T) {
	text, _ := DegenerateSignal.MarshalText()
	var k Kind
	if err := k.UnmarshalText(text); err != nil || k != DegenerateSignal {
		t.Errorf("round trip gave %v, %v", k, err)
	}
	if err := k.UnmarshalText([]byte("exploded")); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestTrackErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := error(&TrackError{TrackID: "t1", Path: "a.mp3", Kind: DecodeFailure, Err: cause})
	if !errors.Is(err, cause) {
		t.Error("TrackError does not unwrap to its cause")
	}
	if msg := err.Error(); msg != "track t1 (a.mp3): decode_failure: boom" {
		t.Errorf("message = %q", msg)
	}
}

func TestTrackID(t *testing.T) {
	a1 := TrackID("/music/a.flac")
	a2 := TrackID("/music/./a.flac")
	b := TrackID("/music/b.flac")
	if a1 != a2 {
		t.Errorf("same file gave different ids: %s %s", a1, a2)
	}
	if a1 == b {
		t.Error("different files share an id")
	}
}

func TestMultiSink(t *testing.T) {
	var seen []string
	ok := ResultSinkFunc(func(_ context.Context, r TrackResult) error {
		seen = append(seen, "ok:"+r.Track.ID)
		return nil
	})
	failing := ResultSinkFunc(func(_ context.Context, r TrackResult) error {
		seen = append(seen, "fail:"+r.Track.ID)
		return errors.New("nope")
	})

	err := MultiSink{failing, nil, ok}.Record(context.Background(), TrackResult{Track: Track{ID: "x"}})
	if err == nil {
		t.Error("expected joined error")
	}
	if !slices.Equal(seen, []string{"fail:x", "ok:x"}) {
		t.Errorf("seen = %v", seen)
	}
}
