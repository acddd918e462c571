package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log aggregation
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  LogLevel  // Minimum log level
	Format LogFormat // Output format
}

// NewLogger creates a structured logger for the gateway.
//
// Features:
//   - Structured JSON output (aggregator-compatible)
//   - Contextual fields for filtering
//   - Timestamp in RFC3339 format
//   - Caller information for debugging
//
// Example:
//
//	logger := NewLogger(LoggerConfig{Level: LogLevelInfo, Format: LogFormatJSON})
//	logger.Info().
//	    Str("component", "admission").
//	    Int("connections", 100).
//	    Msg("Gateway started")
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	case LogLevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "connection-gateway").
		Logger()
}

// LogError logs an error with context fields.
//
// Example:
//
//	LogError(logger, err, "Failed to broadcast", map[string]any{
//	    "connection_id": conn.ID,
//	    "topic": topic,
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic recovers a panic in a connection-servicing goroutine and logs
// it with a full stack trace. Per-connection failures must never take down
// the process, so this recovers rather than re-panicking.
//
// Must be the first defer in the goroutine (executes last in LIFO order) so
// it also covers panics raised by cleanup code.
//
// Example:
//
//	defer monitoring.RecoverPanic(logger, "readPump", map[string]any{
//	    "connection_id": c.ID,
//	})
func RecoverPanic(logger zerolog.Logger, where string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Interface("panic_value", r).
			Str("location", where).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Panic recovered")
	}
}
