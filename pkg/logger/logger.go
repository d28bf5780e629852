// Package logger builds the structured slog loggers shared by every MIRRA command.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config holds the configuration for the logger.
type Config struct {
	// Output is the writer to send logs to (defaults to os.Stdout).
	Output io.Writer
	// Format is FormatJSON or FormatText. Anything else falls back to JSON.
	Format string
	// Service, when set, is attached to every record as the "service" attribute.
	Service string
	// Level is the minimum log level to output.
	Level slog.Level
	// AddSource adds source code position to log records.
	AddSource bool
}

// DefaultConfig returns a JSON, info level, stdout configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  slog.LevelInfo,
		Format: FormatJSON,
		Output: os.Stdout,
	}
}

// New creates a logger with the provided configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, FormatText) {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	log := slog.New(handler)
	if cfg.Service != "" {
		log = log.With("service", cfg.Service)
	}
	return log
}

// NewWithLevel creates a JSON logger on stdout with the specified log level.
func NewWithLevel(level slog.Level) *slog.Logger {
	cfg := DefaultConfig()
	cfg.Level = level
	return New(cfg)
}

// ParseLevel converts a string to a slog.Level, ignoring case and surrounding space.
// Unknown values map to slog.LevelInfo.
func ParseLevel(level string) slog.Level {
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
