// Package monitoring owns the process-wide logger and health reporting.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	rootMu sync.RWMutex
	root   = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// Init configures the root logger. Format is "console" or "json"; level is any
// zerolog level name. A nil writer logs to stderr.
func Init(level, format string, w io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if w == nil {
		w = os.Stderr
	}
	switch strings.ToLower(format) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case "json":
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	SetLogger(zerolog.New(w).With().Timestamp().Logger().Level(lvl))
	return nil
}

// ParseLevel maps a level name onto a zerolog level. An empty name is info.
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return lvl, nil
}

// SetLogger replaces the root logger. Loggers handed out earlier by Logger keep
// their previous sink.
func SetLogger(l zerolog.Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = l
}

// Mute discards all output. Tests call it to keep go test output readable.
func Mute() {
	SetLogger(zerolog.Nop())
}

// Logger returns a child of the root logger tagged with the component name.
func Logger(component string) zerolog.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root.With().Str("component", component).Logger()
}

// Logf is the printf-style bridge for libraries that want a Printf-shaped
// logger (golang-migrate, tsweb handlers). It writes at info on the root logger.
func Logf(format string, v ...interface{}) {
	rootMu.RLock()
	l := root
	rootMu.RUnlock()
	l.Info().Msgf(format, v...)
}
