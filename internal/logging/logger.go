// Package logging builds the zerolog loggers used across the daemon.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds logger configuration options.
type Config struct {
	// Format specifies the log output format: "json" or "console" ("text").
	Format string
	// Level specifies the minimum log level: "trace", "debug", "info", "warn", "error".
	Level string
	// Output specifies where logs are written (defaults to os.Stderr).
	Output io.Writer
	// Registerer, when set, receives a counter of log entries by level.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Format: "json",
		Level:  "info",
		Output: os.Stderr,
	}
}

// NewLogger creates a zerolog logger based on the provided configuration.
func NewLogger(cfg Config) (zerolog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	case "", "json":
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()

	if cfg.Registerer != nil {
		entries := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "log_entries_total",
			Help:      "Total number of log entries by level",
		}, []string{"level"})
		if err := cfg.Registerer.Register(entries); err != nil {
			return zerolog.Nop(), fmt.Errorf("register log metrics: %w", err)
		}
		logger = logger.Hook(levelCounter{entries})
	}
	return logger, nil
}

// Component returns a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// levelCounter counts emitted entries per level.
type levelCounter struct {
	entries *prometheus.CounterVec
}

func (h levelCounter) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if level == zerolog.NoLevel || !e.Enabled() {
		return
	}
	h.entries.WithLabelValues(level.String()).Inc()
}
