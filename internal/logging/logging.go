// Package logging configures the process-wide slog logger and provides
// the HTTP request log middleware and startup banner.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the process-wide log level, adjustable at runtime without a
// restart.
var Level = new(slog.LevelVar) // default: INFO

// Setup installs the default logger: tinted text on a terminal, JSON
// when stderr is redirected (containers, CI).
func Setup() {
	slog.SetDefault(slog.New(newHandler()))
}

func newHandler() slog.Handler {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return tint.NewHandler(os.Stderr, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: Level})
}

// SetLevel adjusts the process-wide log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// GetLevel reports the current log level.
func GetLevel() slog.Level {
	return Level.Level()
}

// ParseLevel parses "debug", "info", "warn" or "error",
// case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
