// Package logging provides a shared Zap logger with configurable log levels and sinks.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Option customises a logger built by NewLogger.
type Option func(*options)

type options struct {
	level   *zapcore.Level
	outputs []string
}

// WithLevel forces the log level instead of reading LOG_LEVEL.
func WithLevel(level zapcore.Level) Option {
	return func(o *options) {
		o.level = &level
	}
}

// WithOutput sets the output sink paths ("stdout", "stderr" or file paths).
// Processes that speak a protocol on stdout must log to stderr.
func WithOutput(paths ...string) Option {
	return func(o *options) {
		o.outputs = paths
	}
}

// NewLogger creates a new Zap SugaredLogger with the specified component name.
// It reads the LOG_LEVEL environment variable to set the log level unless
// WithLevel is given. Valid levels: debug, info, warn, error (case-insensitive).
// Defaults to info if not set or invalid.
func NewLogger(component string, opts ...Option) *zap.SugaredLogger {
	o := options{outputs: []string{"stdout"}}
	for _, opt := range opts {
		opt(&o)
	}

	level := ParseLogLevel(os.Getenv("LOG_LEVEL"))
	if o.level != nil {
		level = *o.level
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    buildEncoderConfig(),
		OutputPaths:      o.outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		// Fallback to a basic logger if config fails
		logger, _ = zap.NewProduction()
	}

	return logger.Named(component).Sugar()
}

// ParseLogLevel converts a string log level to zapcore.Level.
func ParseLogLevel(levelStr string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Nop returns a logger that discards everything. Library packages fall back to it
// when the caller does not supply a logger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func buildEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
