// Package observability builds the process loggers.
//
// Two loggers exist: Logger is the structured service logger, CLILogger
// is the human-facing console logger used by command output. Both share
// the configured level.
package observability

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fanout-labs/fanoutd/internal/config"
)

var (
	// Logger is the structured service logger.
	Logger = zap.NewNop()

	// CLILogger writes human-readable output for CLI commands.
	CLILogger = newConsoleLogger(zapcore.InfoLevel)
)

// ParseLevel maps a config level string to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds the service logger for the given logging config.
// Profile "structured" emits JSON; "console" emits the development
// encoder for local runs.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	switch cfg.Profile {
	case "", "structured":
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		return zc.Build()
	case "console":
		zc := zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		return zc.Build()
	default:
		return nil, fmt.Errorf("unknown logging profile %q", cfg.Profile)
	}
}

// Init replaces the package loggers per the logging config.
func Init(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	level, _ := ParseLevel(cfg.Level)

	Logger = logger
	CLILogger = newConsoleLogger(level)
	return nil
}

// Sync flushes both loggers. Safe to call at process exit.
func Sync() {
	_ = Logger.Sync()
	_ = CLILogger.Sync()
}

// newConsoleLogger builds a minimal stderr console logger. Timestamps
// and caller info are dropped so the output reads like plain text.
func newConsoleLogger(level zapcore.Level) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "",
		TimeKey:        "",
		NameKey:        "",
		CallerKey:      "",
		StacktraceKey:  "",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}
