package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log output formats accepted by InitLogger.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options controls how InitLogger builds the process logger.
type Options struct {
	Level  string
	Format string
	Out    io.Writer
}

// InitLogger builds the process logger, installs it as the zerolog global
// logger and returns it. Unknown levels fall back to info.
func InitLogger(app string, opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Format != FormatJSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	level, ok := ParseLevel(opts.Level)
	logger := zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
	if !ok && opts.Level != "" {
		logger.Warn().Str("level", opts.Level).Msg("unknown log level, using info")
	}
	log.Logger = logger
	return logger
}

// ParseLevel maps a user supplied level name to a zerolog level. The bool
// result reports whether raw was recognised.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
