package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Init initializes the global logger. Format is "console", "json" or
// "auto", which picks console output when stdout is a terminal.
func Init(level, format string) {
	InitTo(os.Stdout, level, format)
}

// InitTo is Init with an explicit output file. The CLI logs to stderr so
// that results on stdout stay parseable.
func InitTo(out *os.File, level, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	log.Logger = zerolog.New(writer(out, format)).With().Timestamp().Logger()
}

// ParseLevel maps a configured level name to a zerolog level. Unknown names
// give info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func writer(out *os.File, format string) io.Writer {
	if useConsole(format, term.IsTerminal(int(out.Fd()))) {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	return out
}

func useConsole(format string, terminal bool) bool {
	switch format {
	case "console":
		return true
	case "auto":
		return terminal
	default:
		return false
	}
}

// Get returns the global logger
func Get() zerolog.Logger {
	return log.Logger
}
