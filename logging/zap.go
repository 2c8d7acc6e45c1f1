package logging

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapConfig configures the zap backed logger.
type ZapConfig struct {
	Level Level
	// File enables a rotated JSON log file next to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Console selects the human readable encoder for stdout instead of JSON.
	Console bool
}

// ZapLogger adapts a *zap.Logger to the Logger interface.
type ZapLogger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// NewZapLogger builds a zap logger writing to stdout and, when File is set,
// to a lumberjack rotated file.
func NewZapLogger(cfg ZapConfig) (*ZapLogger, error) {
	atom := zap.NewAtomicLevelAt(toZapLevel(cfg.Level))

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var consoleEncoder zapcore.Encoder
	if cfg.Console {
		consoleEncoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), atom),
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), fileWriter, atom))
	}

	z := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return &ZapLogger{z: z, level: atom}, nil
}

// NewZapLoggerFrom wraps an existing zap logger; its level is fixed by the core.
func NewZapLoggerFrom(z *zap.Logger) *ZapLogger {
	return &ZapLogger{z: z, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.z.Sync()
}

func (l *ZapLogger) Debug(msg string, fields ...Fields) {
	l.z.Debug(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...Fields) {
	l.z.Info(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...Fields) {
	l.z.Warn(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Error(err error, msg string, fields ...Fields) {
	l.z.Error(msg, append(toZapFields(fields), zap.Error(err))...)
}

func (l *ZapLogger) Fatal(err error, msg string, fields ...Fields) {
	l.z.Fatal(msg, append(toZapFields(fields), zap.Error(err))...)
}

func (l *ZapLogger) WithFields(fields Fields) Logger {
	return &ZapLogger{z: l.z.With(toZapFields([]Fields{fields})...), level: l.level}
}

func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	if fields, ok := fieldsFromContext(ctx); ok {
		return l.WithFields(fields)
	}
	return l
}

func (l *ZapLogger) SetLevel(level Level) {
	l.level.SetLevel(toZapLevel(level))
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []Fields) []zap.Field {
	n := 0
	for _, f := range fields {
		n += len(f)
	}
	if n == 0 {
		return nil
	}

	out := make([]zap.Field, 0, n)
	for _, f := range fields {
		keys := make([]string, 0, len(f))
		for k := range f {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, zap.Any(k, f[k]))
		}
	}
	return out
}
