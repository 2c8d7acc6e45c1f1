// Package config loads sonido-tempo settings from a YAML file, a .env file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/RyanBlaney/sonido-tempo/inference"
	"github.com/RyanBlaney/sonido-tempo/logging"
	"github.com/RyanBlaney/sonido-tempo/tempo"
	"github.com/RyanBlaney/sonido-tempo/transcode"
)

// Environment variables that override file settings.
const (
	EnvModelPath    = "SONIDO_TEMPO_MODEL_PATH"
	EnvModelBackend = "SONIDO_TEMPO_MODEL_BACKEND"
	EnvFFmpegPath   = "SONIDO_TEMPO_FFMPEG_PATH"
	EnvFFprobePath  = "SONIDO_TEMPO_FFPROBE_PATH"
	EnvLogLevel     = "SONIDO_TEMPO_LOG_LEVEL"
	EnvLogFile      = "SONIDO_TEMPO_LOG_FILE"
	EnvStoreDir     = "SONIDO_TEMPO_STORE_DIR"
	EnvSkipFraction = "SONIDO_TEMPO_SKIP_FRACTION"
	EnvMinBPM       = "SONIDO_TEMPO_MIN_BPM"
)

// Config is the full application configuration.
type Config struct {
	Pipeline tempo.Config            `yaml:"pipeline"`
	Model    inference.BackendConfig `yaml:"model"`
	Decoder  transcode.DecoderConfig `yaml:"decoder"`
	Logging  LoggingConfig           `yaml:"logging"`
	Store    StoreConfig             `yaml:"store"`
}

// LoggingConfig selects and configures the logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Backend is "default" (colored text) or "zap".
	Backend string `yaml:"backend"`
	// File enables rotated file output (zap backend only).
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
}

// StoreConfig locates the result store. An empty Dir disables it.
type StoreConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Pipeline: tempo.DefaultConfig(),
		Model:    inference.DefaultBackendConfig(),
		Decoder:  transcode.DefaultDecoderConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			Backend:    "default",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Console:    true,
		},
	}
}

// Load reads path (if not empty) over the defaults, then .env from the
// working directory, then the environment.
func Load(path string) (*Config, error) {
	return load(path, ".env")
}

func load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// godotenv.Load does not override variables that are already set
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	setString(EnvModelPath, &c.Model.Path)
	setString(EnvModelBackend, &c.Model.Backend)
	setString(EnvFFmpegPath, &c.Decoder.FFmpegPath)
	setString(EnvFFprobePath, &c.Decoder.FFprobePath)
	setString(EnvLogLevel, &c.Logging.Level)
	setString(EnvLogFile, &c.Logging.File)
	setString(EnvStoreDir, &c.Store.Dir)

	if v, ok := os.LookupEnv(EnvSkipFraction); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvSkipFraction, err)
		}
		c.Pipeline.SkipFraction = f
	}
	if v, ok := os.LookupEnv(EnvMinBPM); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvMinBPM, err)
		}
		c.Pipeline.MinBPM = n
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("config: pipeline: %w", err)
	}
	if err := c.Pipeline.Adapter.Validate(); err != nil {
		return fmt.Errorf("config: pipeline.adapter: %w", err)
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("config: model: %w", err)
	}
	if c.Decoder.ChunkFrames < 0 {
		return fmt.Errorf("config: decoder: chunk_frames must not be negative")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: logging: %w", err)
	}
	switch c.Logging.Backend {
	case "", "default", "zap":
	default:
		return fmt.Errorf("config: logging: unknown backend %q", c.Logging.Backend)
	}
	return nil
}

// NewLogger builds the configured logger. The returned flush function must
// be called before exit.
func (c LoggingConfig) NewLogger() (logging.Logger, func() error, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}

	if c.Backend != "zap" && c.File == "" {
		logger := logging.NewDefaultLogger()
		logger.SetLevel(level)
		return logger, func() error { return nil }, nil
	}

	logger, err := logging.NewZapLogger(logging.ZapConfig{
		Level:      level,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
		Console:    c.Console,
	})
	if err != nil {
		return nil, nil, err
	}
	return logger, logger.Sync, nil
}
