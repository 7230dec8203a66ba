// Package logging builds the service's root zerolog.Logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
}

// New returns a logger writing JSON to stdout, or a console writer in development.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Environment, "development") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return NewWithWriter(cfg, out)
}

// NewWithWriter is New with an explicit sink; tests pass a buffer.
func NewWithWriter(cfg Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Logger()
}
