package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// NewLogger returns a logger tagged with component, configured from
// PERP_LOG_LEVEL and PERP_LOG_FORMAT. Defaults are info and JSON.
func NewLogger(component string) zerolog.Logger {
	out := Writer(os.Getenv("PERP_LOG_FORMAT"), os.Stdout)
	return NewLoggerTo(out, component, ParseLogLevel(os.Getenv("PERP_LOG_LEVEL")))
}

// NewLoggerTo writes to w at an explicit level.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
}

// Writer wraps out for the given format. "console" is human-readable for
// local runs; anything else is JSON lines.
func Writer(format string, out io.Writer) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), FormatConsole) {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return out
}

// ParseLogLevel accepts zerolog level names and falls back to info.
func ParseLogLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
