// Package logger configures zerolog for the livepipe commands.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup builds the process logger and installs it as the zerolog/log global,
// so packages logging through log.Info() share its level and output.
func Setup(dev bool) zerolog.Logger {
	logger := New(os.Stderr, dev)
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return logger
}

// New returns a JSON logger writing to out, or a human readable console
// logger at debug level when dev is set.
func New(out io.Writer, dev bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	zerolog.DurationFieldUnit = time.Millisecond

	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Timestamp().Caller().Stack().Logger()
	}

	return zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()
}
