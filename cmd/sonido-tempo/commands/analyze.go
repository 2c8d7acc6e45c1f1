package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RyanBlaney/sonido-tempo/inference"
	"github.com/RyanBlaney/sonido-tempo/logging"
	"github.com/RyanBlaney/sonido-tempo/store"
	"github.com/RyanBlaney/sonido-tempo/tempo"
	"github.com/RyanBlaney/sonido-tempo/transcode"
)

var analyzeOpts struct {
	backend    string
	model      string
	storeDir   string
	aggregate  string
	format     string
	recursive  bool
	noProgress bool
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file|dir>...",
	Short: "Estimate the tempo of audio files",
	Long: `Decode each file, compute its mel spectrogram and score every window
with the tempo model. One BPM estimate is printed per window; --aggregate
adds a per-track summary.

Directories are scanned for supported audio files (add -r to descend).
Ctrl-C stops after discarding the track in flight; finished tracks are
still printed and stored.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeOpts.backend, "backend", "", "model backend (tensorflow, onnx)")
	f.StringVarP(&analyzeOpts.model, "model", "m", "", "SavedModel directory or .onnx file")
	f.StringVar(&analyzeOpts.storeDir, "store", "", "directory of the result store")
	f.StringVarP(&analyzeOpts.aggregate, "aggregate", "a", "", "per-track summary (median, mode, none)")
	f.StringVarP(&analyzeOpts.format, "output", "o", formatTable, "output format (table, json)")
	f.BoolVarP(&analyzeOpts.recursive, "recursive", "r", false, "descend into directories")
	f.BoolVar(&analyzeOpts.noProgress, "no-progress", false, "disable progress bars")

	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}

	if analyzeOpts.backend != "" {
		cfg.Model.Backend = analyzeOpts.backend
	}
	if analyzeOpts.model != "" {
		cfg.Model.Path = analyzeOpts.model
	}
	if analyzeOpts.storeDir != "" {
		cfg.Store.Dir = analyzeOpts.storeDir
	}
	if cmd.Flags().Changed("aggregate") {
		cfg.Pipeline.Aggregate = analyzeOpts.aggregate
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.WithFields(logging.Fields{"component": "cli"})

	paths, err := expandPaths(args, analyzeOpts.recursive)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no supported audio files in %v", args)
	}

	decoder := transcode.NewDecoder(cfg.Decoder)
	if err := decoder.CheckAvailability(ctx); err != nil {
		return err
	}

	tracks := probeTracks(ctx, decoder, paths, logger)

	model, err := inference.Open(cfg.Model)
	if err != nil {
		return err
	}
	defer model.Close()

	adapter, err := inference.NewAdapter(model, cfg.Pipeline.Adapter)
	if err != nil {
		return err
	}
	pipeline, err := tempo.New(cfg.Pipeline, decoder, adapter)
	if err != nil {
		return err
	}

	var sinks tempo.MultiSink
	if cfg.Store.Dir != "" {
		results, err := store.Open(store.Options{Dir: cfg.Store.Dir})
		if err != nil {
			return err
		}
		defer results.Close()
		sinks = append(sinks, results)
	}

	var progress tempo.ProgressSink = tempo.NopProgress
	var bars *barProgress
	if !analyzeOpts.noProgress && isTerminal(os.Stderr) {
		bars = newBarProgress(os.Stderr, len(tracks))
		progress = bars
	}

	report, runErr := pipeline.Run(ctx, tracks, progress, sinks)
	if bars != nil {
		bars.Finish(report.Cancelled)
	}

	rows := make([]row, 0, len(report.Results))
	for _, r := range report.Results {
		rows = append(rows, rowFromResult(r))
	}
	if err := writeRows(cmd.OutOrStdout(), analyzeOpts.format, rows, reportFooter(report)); err != nil {
		return err
	}

	if errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("cancelled after %d of %d tracks", len(report.Results), len(tracks))
	}
	return runErr
}

// expandPaths resolves files and directories to supported audio files,
// keeping argument order and dropping duplicates.
func expandPaths(args []string, recursive bool) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			// explicit files are passed through; the decoder reports bad ones
			add(arg)
			continue
		}

		var found []string
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != arg && !recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if transcode.IsSupported(path) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		slices.Sort(found)
		for _, p := range found {
			add(p)
		}
	}
	return out, nil
}

// probeTracks reads durations for the start offset. A track that cannot be
// probed keeps a zero duration and is decoded from the start.
func probeTracks(ctx context.Context, decoder *transcode.Decoder, paths []string, logger logging.Logger) []tempo.Track {
	tracks := make([]tempo.Track, 0, len(paths))
	for _, path := range paths {
		var duration time.Duration
		meta, err := decoder.Probe(ctx, path)
		if err != nil {
			logger.Warn("Failed to probe track", logging.Fields{
				"path":  path,
				"error": err.Error(),
			})
		} else {
			duration = time.Duration(meta.Duration * float64(time.Second))
		}
		tracks = append(tracks, tempo.NewTrack(path, duration))
	}
	return tracks
}

func isTerminal(f *os.File) bool {
	if info, _ := f.Stat(); info != nil {
		return info.Mode()&os.ModeCharDevice != 0
	}
	return false
}
