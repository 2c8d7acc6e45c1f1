package tempo

// Stage milestones reported through ProgressSink.SetStage.
const (
	StageDecoded    = 0.3
	StageMel        = 0.4
	StageNormalizer = 0.5
	StageWindowed   = 0.6
	StageDone       = 1.0
)

// ProgressSink receives run and per-track progress. Calls come from the
// goroutine running the pipeline.
type ProgressSink interface {
	// SetItem announces track index (0-based) of count.
	SetItem(index, count int, path string)
	// SetStage reports progress within the current track in [0, 1].
	SetStage(fraction float64)
}

type nopProgress struct{}

func (nopProgress) SetItem(int, int, string) {}
func (nopProgress) SetStage(float64)         {}

// NopProgress discards progress.
var NopProgress ProgressSink = nopProgress{}
