// Package logging builds the application logger: a human readable console
// stream plus an optional rolling JSON file.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects verbosity and the optional file sink
type Config struct {
	Debug bool
	// File enables a JSON log file rotated by size when non-empty
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// consoleEncoderConfig prints "15:04:05.000 INFO [SESSION] message"
func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalColorLevelEncoder,
		EncodeTime:    zapcore.TimeEncoderOfLayout("15:04:05.000"),
		EncodeName: func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + strings.ToUpper(name) + "]")
		},
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// New builds a logger writing to stdout and, when cfg.File is set, to a
// rotating file. The returned close function flushes and closes the file.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Debug {
		level.SetLevel(zap.DebugLevel)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), zapcore.Lock(os.Stdout), level),
	}

	var sink *lumberjack.Logger
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, err
		}
		sink = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), zapcore.AddSync(sink), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() error {
		// stdout sync fails on terminals, only the file matters here
		_ = logger.Sync()
		if sink != nil {
			return sink.Close()
		}
		return nil
	}
	return logger, closeFn, nil
}

// Component returns a named sugared logger, e.g. Component(l, "calibration")
func Component(logger *zap.Logger, name string) *zap.SugaredLogger {
	return logger.Named(name).Sugar()
}
