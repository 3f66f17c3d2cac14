// Package logging builds the process-wide slog.Logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/zulandar/agentbus/internal/config"
)

// New creates a configured *slog.Logger. The returned closer should be
// deferred to close a log file when Output names one.
func New(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open output %s: %w", cfg.Output, err)
	}
	return slog.New(newHandler(w, cfg)), closer, nil
}

// NewWriter is New with an explicit destination, ignoring cfg.Output.
func NewWriter(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	return slog.New(newHandler(w, cfg))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(w io.Writer, cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
