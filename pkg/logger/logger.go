// Package logger provides the structured logger shared by every optest component
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Interface is the logging surface components depend on
type Interface interface {
	// Debug logs a message at debug level
	Debug(format string, args ...interface{})

	// Info logs a message at info level
	Info(format string, args ...interface{})

	// Warn logs a message at warning level
	Warn(format string, args ...interface{})

	// Error logs a message at error level
	Error(format string, args ...interface{})

	// With returns a logger tagged with a component name
	With(component string) Interface
}

// Options configures New
type Options struct {
	Level  string
	Format string // "console" or "json"
	Output io.Writer
}

type zeroLogger struct {
	l zerolog.Logger
}

// New creates a zerolog backed logger
func New(opts Options) (Interface, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &zeroLogger{l: l}, nil
}

// Must is New that panics on an invalid level
func Must(opts Options) Interface {
	l, err := New(opts)
	if err != nil {
		panic(err)
	}
	return l
}

func (z *zeroLogger) Debug(format string, args ...interface{}) {
	z.l.Debug().Msgf(format, args...)
}

func (z *zeroLogger) Info(format string, args ...interface{}) {
	z.l.Info().Msgf(format, args...)
}

func (z *zeroLogger) Warn(format string, args ...interface{}) {
	z.l.Warn().Msgf(format, args...)
}

func (z *zeroLogger) Error(format string, args ...interface{}) {
	z.l.Error().Msgf(format, args...)
}

func (z *zeroLogger) With(component string) Interface {
	return &zeroLogger{l: z.l.With().Str("component", component).Logger()}
}

type nopLogger struct{}

// Nop returns a logger that discards everything
func Nop() Interface {
	return nopLogger{}
}

func (nopLogger) Debug(format string, args ...interface{}) {}
func (nopLogger) Info(format string, args ...interface{})  {}
func (nopLogger) Warn(format string, args ...interface{})  {}
func (nopLogger) Error(format string, args ...interface{}) {}
func (n nopLogger) With(string) Interface                  { return n }
