package commands

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../commands.Version=v1.2.3".
var Version = "dev"

func versionString() string {
	v := Version
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	return "sonido-tempo " + v
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, versionString())
		if IsVerbose() {
			fmt.Fprintf(out, "  go:      %s\n", runtime.Version())
			if cfg, err := GetConfig(); err == nil {
				fmt.Fprintf(out, "  backend: %s (%s)\n", cfg.Model.Backend, cfg.Model.Path)
			} else {
				fmt.Fprintf(out, "  config:  (unavailable: %v)\n", err)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
