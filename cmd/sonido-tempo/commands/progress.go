package commands

import (
	"io"
	"path/filepath"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

const stageScale = 100

// barProgress draws an overall bar over tracks and a bar for the stages of
// the current track.
type barProgress struct {
	p       *mpb.Progress
	overall *mpb.Bar
	track   *mpb.Bar
	count   int
}

func newBarProgress(out io.Writer, count int) *barProgress {
	p := mpb.New(mpb.WithOutput(out), mpb.WithWidth(64))
	overall := p.AddBar(int64(count),
		mpb.PrependDecorators(
			decor.Name("Tracks: ", decor.WCSyncSpaceR),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.AverageETA(decor.ET_STYLE_GO),
		),
	)
	return &barProgress{p: p, overall: overall, count: count}
}

// SetItem implements tempo.ProgressSink.
func (bp *barProgress) SetItem(index, count int, path string) {
	bp.dropTrack()
	bp.overall.SetCurrent(int64(index))
	bp.track = bp.p.AddBar(stageScale,
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name(filepath.Base(path), decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
		),
	)
}

// SetStage implements tempo.ProgressSink.
func (bp *barProgress) SetStage(fraction float64) {
	if bp.track != nil {
		bp.track.SetCurrent(int64(fraction * stageScale))
	}
}

// a failed track never reaches 100%
func (bp *barProgress) dropTrack() {
	if bp.track != nil && !bp.track.Completed() {
		bp.track.Abort(true)
	}
	bp.track = nil
}

// Finish completes the overall bar, or freezes it when the run was
// cancelled, and waits for the last render.
func (bp *barProgress) Finish(cancelled bool) {
	bp.dropTrack()
	if cancelled {
		bp.overall.Abort(false)
	} else {
		bp.overall.SetCurrent(int64(bp.count))
	}
	bp.p.Wait()
}
