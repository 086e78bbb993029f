// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger or InitLogger runs.
var CLILogger = zap.NewNop()

// Options configures InitLogger.
type Options struct {
	// Level is a zap level name (debug, info, warn, error).
	Level string

	// Profile selects the encoder: ProfileStructured for JSON, anything else
	// for the human console encoder.
	Profile string
}

// InitCLILogger installs a console logger at info, or debug when verbose.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(name, Options{Level: level, Profile: ProfileConsole})
	if err != nil {
		CLILogger = zap.NewNop()
		return
	}
	CLILogger = logger
}

// InitLogger installs a logger built from opts.
func InitLogger(name string, opts Options) error {
	logger, err := NewLogger(name, opts)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

// NewLogger builds a logger writing to stderr.
func NewLogger(name string, opts Options) (*zap.Logger, error) {
	level := zap.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var cfg zap.Config
	if strings.EqualFold(opts.Profile, ProfileStructured) {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableCaller = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if name != "" {
		logger = logger.Named(name)
	}
	return logger, nil
}
