// Package main is the entry point for the sonido-tempo CLI.
//
// Usage:
//
//	sonido-tempo [flags] <command> [args]
//
// Commands:
//
//	analyze   - Estimate the tempo of audio files or directories
//	show      - Print stored results of a run or a track
//	version   - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/RyanBlaney/sonido-tempo/cmd/sonido-tempo/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
