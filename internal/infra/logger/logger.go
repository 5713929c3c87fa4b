// Package logger builds the process-wide slog logger from configuration.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/re-minder/PRSummarizer.ai/internal/infra/config"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New creates a configured *slog.Logger. Defer the returned closer so a
// file-backed output is flushed on exit.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	var (
		w      io.Writer
		closer func() error
	)
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		w, closer = os.Stdout, func() error { return nil }
	case "stderr", "":
		w, closer = os.Stderr, func() error { return nil }
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		w, closer = f, f.Close
	}

	level, ok := levels[strings.ToLower(cfg.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without an explicit logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
