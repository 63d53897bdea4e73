// Package log provides structured logging for the indexer.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for the major subsystems.
var (
	Index        zerolog.Logger
	Runes        zerolog.Logger
	Inscriptions zerolog.Logger
	Reorg        zerolog.Logger
	RPC          zerolog.Logger
	API          zerolog.Logger
	Proxy        zerolog.Logger
	Notifier     zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init configures the global logger. With jsonOutput the log stream is
// machine-parseable JSON; otherwise a colored console format is used.
func Init(level string, jsonOutput bool) {
	if jsonOutput {
		Logger = NewJSONLogger(os.Stdout, level)
	} else {
		Logger = NewConsoleLogger(os.Stdout, level)
	}
	initComponentLoggers()
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
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

func initComponentLoggers() {
	Index = Logger.With().Str("component", "index").Logger()
	Runes = Logger.With().Str("component", "runes").Logger()
	Inscriptions = Logger.With().Str("component", "inscriptions").Logger()
	Reorg = Logger.With().Str("component", "reorg").Logger()
	RPC = Logger.With().Str("component", "rpc").Logger()
	API = Logger.With().Str("component", "api").Logger()
	Proxy = Logger.With().Str("component", "proxy").Logger()
	Notifier = Logger.With().Str("component", "notifier").Logger()
}
