// Package logging builds the zerolog loggers shared by the client binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string `yaml:"level" env:"RTL_LOG_LEVEL"`
	Format  string `yaml:"format" env:"RTL_LOG_FORMAT"` // "console" or "json"
	NoColor bool   `yaml:"no_color" env:"RTL_LOG_NOCOLOR"`
}

func New(cfg Config, app string) zerolog.Logger {
	return NewWithWriter(cfg, app, os.Stdout)
}

func NewWithWriter(cfg Config, app string, out io.Writer) zerolog.Logger {
	w := out
	if strings.ToLower(strings.TrimSpace(cfg.Format)) != "json" {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	return zerolog.New(w).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Str("app", app).
		Logger()
}

// ParseLevel maps a config string to a zerolog level; unknown values mean info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
