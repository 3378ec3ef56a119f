package nkb

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// === Logging ===

// Extra levels beyond the slog defaults, matching the level set accepted by
// NK_LOG_LEVEL.
const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
	levelNone  = slog.Level(100)
)

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "none":
		return levelNone, nil
	case "fatal":
		return LevelFatal, nil
	case "error":
		return slog.LevelError, nil
	case "warning":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	}
	return 0, fmt.Errorf("bad log level %q", name)
}

// SetupLogging installs the default logger at the given level name. The
// NK_LOG_LEVEL environment variable overrides the argument.
func SetupLogging(level string) error {
	if env := os.Getenv("NK_LOG_LEVEL"); env != "" {
		level = env
	}
	lv, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})
	slog.SetDefault(slog.New(h))
	return nil
}
