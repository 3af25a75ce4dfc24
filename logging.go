package sitelink

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLogger returns a human-readable logger writing to stderr at the
// given level. Components default to zerolog.Nop() when no logger is given.
func DefaultLogger(level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func componentLogger(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
