package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger on stdout.
// An empty level falls back to PERP_LOG_LEVEL, then info.
func NewLogger(component, level string) zerolog.Logger {
	if level == "" {
		level = os.Getenv("PERP_LOG_LEVEL")
	}
	return NewLoggerTo(os.Stdout, component, parseLogLevel(level))
}

// NewLoggerTo creates a logger writing to w, e.g. a buffer in tests.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
