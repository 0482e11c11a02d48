package logx

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Zereker/tapproxy"
)

// Log is the shared logger used by the command line tools.
var Log = log.Logger

// Configure sets the global log level and output format.
// The level string is tolerant of case and common synonyms.
func Configure(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))

	Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// parseLevel converts a string to a zerolog level.
// Accepts: all, debug, info, warn, warning, error, fatal, none.
// Unknown values default to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	Configure(os.Getenv("TAPDUMP_LOG_LEVEL"))
}

// Adapter routes the library's key/value log calls to a zerolog logger.
type Adapter struct {
	l zerolog.Logger
}

var _ tapproxy.Logger = (*Adapter)(nil)

// NewAdapter wraps l.
func NewAdapter(l zerolog.Logger) *Adapter {
	return &Adapter{l: l}
}

func (a *Adapter) Debug(msg string, args ...any) { a.l.Debug().Fields(fields(args)).Msg(msg) }
func (a *Adapter) Info(msg string, args ...any)  { a.l.Info().Fields(fields(args)).Msg(msg) }
func (a *Adapter) Warn(msg string, args ...any)  { a.l.Warn().Fields(fields(args)).Msg(msg) }
func (a *Adapter) Error(msg string, args ...any) { a.l.Error().Fields(fields(args)).Msg(msg) }

// fields renders Stringers such as directions by name instead of value.
func fields(args []any) []any {
	out := make([]any, len(args))
	for i, v := range args {
		if _, isErr := v.(error); !isErr {
			if s, ok := v.(fmt.Stringer); ok {
				v = s.String()
			}
		}
		out[i] = v
	}
	return out
}
