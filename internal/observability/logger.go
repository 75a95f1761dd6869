// Package observability owns the process loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process logger shared by commands. It is never nil.
var CLILogger = zap.NewNop()

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// InitCLILogger installs a console logger on stderr. verbose enables debug output.
func InitCLILogger(serviceName string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = newLogger(serviceName, level, ProfileConsole)
}

// InitLogger installs CLILogger from the logging config section.
func InitLogger(serviceName, level, profile string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		profile = ProfileStructured
	case ProfileConsole:
		profile = ProfileConsole
	default:
		return fmt.Errorf("unknown logging profile %q (want %s or %s)", profile, ProfileStructured, ProfileConsole)
	}
	CLILogger = newLogger(serviceName, lvl, profile)
	return nil
}

// ParseLevel accepts zap level names; empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

func newLogger(serviceName string, level zapcore.Level, profile string) *zap.Logger {
	var enc zapcore.Encoder
	if profile == ProfileConsole {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		enc = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	logger := zap.New(core, zap.AddCaller())
	if serviceName != "" && profile == ProfileStructured {
		logger = logger.With(zap.String("service", serviceName))
	}
	return logger
}
