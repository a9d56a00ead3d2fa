// Package observability holds the process-wide loggers, the meter provider
// and Server-Timing helpers.
package observability

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileSimple     = "simple"
)

var (
	loggerMu sync.Mutex

	// CLILogger is used by one-shot commands. It writes to stderr so stdout
	// stays clean for command output.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the long-running serve process.
	ServerLogger = zap.NewNop()
)

// NewLogger builds a zap logger. The structured profile emits JSON; the
// simple profile emits human-readable console lines.
func NewLogger(service, level, profile string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileSimple:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}

// InitCLILogger replaces CLILogger. Verbose forces debug level.
func InitCLILogger(service, level string, verbose bool) error {
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(service, level, ProfileSimple)
	if err != nil {
		return err
	}
	loggerMu.Lock()
	CLILogger = logger
	loggerMu.Unlock()
	return nil
}

// InitServerLogger replaces ServerLogger.
func InitServerLogger(service, level, profile string) error {
	logger, err := NewLogger(service, level, profile)
	if err != nil {
		return err
	}
	loggerMu.Lock()
	ServerLogger = logger
	loggerMu.Unlock()
	return nil
}

// Sync flushes both loggers. Errors from syncing stderr are ignored.
func Sync() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
