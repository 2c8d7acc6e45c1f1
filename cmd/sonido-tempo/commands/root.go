package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RyanBlaney/sonido-tempo/config"
	"github.com/RyanBlaney/sonido-tempo/logging"
)

var (
	// Global flags
	configPath string
	logLevel   string
	verbose    bool

	globalConfig  *config.Config
	configLoadErr error

	// flushLogs is replaced once the configured logger is built.
	flushLogs = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "sonido-tempo",
	Short: "CNN tempo estimation for audio files",
	Long: `sonido-tempo - estimate the tempo (BPM) of audio files with a
convolutional classifier over mel spectrogram windows.

Settings are read, in increasing order of precedence, from the file given
with --config, a .env file in the working directory, SONIDO_TEMPO_*
environment variables and command line flags.

Examples:
  # Analyse two files with the default SavedModel in ./model
  sonido-tempo analyze song.mp3 other.flac

  # Walk a directory, summarise each track and keep results
  sonido-tempo analyze -r --aggregate median --store ./results ~/Music

  # Use an ONNX export of the model
  sonido-tempo analyze --backend onnx --model tempo.onnx song.wav`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = flushLogs()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (same as --log-level debug)")
}

func initConfig() {
	cfg, err := config.Load(configPath)
	if err != nil {
		// reported by commands that need it, so version still works
		configLoadErr = err
		return
	}
	globalConfig = cfg
}

// GetConfig returns the loaded configuration.
func GetConfig() (*config.Config, error) {
	if configLoadErr != nil {
		return nil, fmt.Errorf("load config: %w", configLoadErr)
	}
	if globalConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return globalConfig, nil
}

// IsVerbose reports whether verbose output is enabled.
func IsVerbose() bool {
	return verbose
}

func setupLogging() error {
	cfg, err := GetConfig()
	if err != nil {
		// fall back to the default logger; the command reports the error
		return nil
	}

	switch {
	case verbose:
		cfg.Logging.Level = "debug"
	case logLevel != "":
		if _, err := logging.ParseLevel(logLevel); err != nil {
			return err
		}
		cfg.Logging.Level = logLevel
	}

	logger, flush, err := cfg.Logging.NewLogger()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	flushLogs = flush
	return nil
}
