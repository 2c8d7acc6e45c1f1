package commands

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/RyanBlaney/sonido-tempo/store"
	"github.com/RyanBlaney/sonido-tempo/tempo"
)

var showOpts struct {
	storeDir string
	run      string
	format   string
}

var showCmd = &cobra.Command{
	Use:   "show [file...]",
	Short: "Print stored results",
	Long: `Print results kept in the result store.

With --run, every track of that run is listed. Otherwise the latest result
of each given file is shown.`,
	RunE: runShow,
}

func init() {
	f := showCmd.Flags()
	f.StringVar(&showOpts.storeDir, "store", "", "directory of the result store")
	f.StringVar(&showOpts.run, "run", "", "run id to list")
	f.StringVarP(&showOpts.format, "output", "o", formatTable, "output format (table, json)")

	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	dir := showOpts.storeDir
	if dir == "" {
		if cfg, err := GetConfig(); err == nil {
			dir = cfg.Store.Dir
		}
	}
	if dir == "" {
		return fmt.Errorf("no result store: pass --store or set store.dir")
	}
	if showOpts.run == "" && len(args) == 0 {
		return fmt.Errorf("pass --run or at least one file")
	}

	results, err := store.Open(store.Options{Dir: dir})
	if err != nil {
		return err
	}
	defer results.Close()

	ctx := cmd.Context()
	var rows []row

	if showOpts.run != "" {
		runID, err := uuid.Parse(showOpts.run)
		if err != nil {
			return fmt.Errorf("invalid run id: %w", err)
		}
		for rec, err := range results.Run(ctx, runID) {
			if err != nil {
				return err
			}
			rows = append(rows, rowFromRecord(rec))
		}
	}

	for _, path := range args {
		rec, err := results.Latest(ctx, tempo.TrackID(path))
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(cmd.ErrOrStderr(), "no result for %s\n", path)
			continue
		}
		if err != nil {
			return err
		}
		rows = append(rows, rowFromRecord(rec))
	}

	return writeRows(cmd.OutOrStdout(), showOpts.format, rows, "")
}
