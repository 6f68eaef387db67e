package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/loqalabs/loqa-stream/internal/config"
)

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// newLogger builds the process logger: JSON for machines, tint for a terminal.
func newLogger(cfg config.TelemetryConfig, output io.Writer) *slog.Logger {
	level := parseLevel(cfg.LogLevel)
	if cfg.LogFormat == "console" {
		return slog.New(tint.NewHandler(output, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == "error" {
					return tint.Attr(9, a)
				}
				return a
			},
		}))
	}
	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
}
