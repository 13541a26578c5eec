// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a JSON logger, or a console logger when environment is "development".
// Unknown levels fall back to info.
func New(level, environment string) zerolog.Logger {
	return NewWithWriter(level, environment, os.Stdout)
}

func NewWithWriter(level, environment string, w io.Writer) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	if strings.EqualFold(strings.TrimSpace(environment), "development") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(parsed).With().Timestamp().Str("service", "signoff").Logger()
}
