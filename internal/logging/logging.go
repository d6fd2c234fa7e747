// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvLevel overrides the configured level when set.
const EnvLevel = "DROVER_LOG_LEVEL"

var level = new(slog.LevelVar)

// ParseLevel maps a config string to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Configure installs a text handler on w as the default logger and returns it.
// The environment variable takes precedence over cfgLevel.
func Configure(w io.Writer, cfgLevel string) (*slog.Logger, error) {
	if env := os.Getenv(EnvLevel); env != "" {
		cfgLevel = env
	}
	lvl, err := ParseLevel(cfgLevel)
	if err != nil {
		return nil, err
	}
	level.Set(lvl)

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

// SetLevel changes the level of the logger installed by Configure.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
