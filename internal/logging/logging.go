package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	ServiceName string
	Environment string
	Level       string
	Format      string
}

func NewLogger(cfg Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

// NewStderrLogger is NewLogger for command-line tools whose stdout is output
func NewStderrLogger(cfg Config) *slog.Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	level := new(slog.LevelVar)

	switch strings.ToLower(cfg.Level) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
}
