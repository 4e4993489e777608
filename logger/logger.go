// Package logger provides the structured logging interface used across
// photoremote, backed by zerolog. Loggers can write JSON or human-readable
// console output and optionally mirror entries into a daily log file.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field represents a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Components receive a Logger
// and derive a scoped one with With (for example a per-connection logger
// carrying the remote address).
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a new Logger that includes the given fields in all
	// subsequent log entries. The original Logger is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger

	// Close releases resources held by the logger (e.g. the log file).
	// It is safe to call multiple times.
	//
	// Returns:
	//   - An error if closing resources fails
	Close() error
}

// Options configures a Logger built with New.
type Options struct {
	// Service is added as the "service" field to every entry and names the log files.
	Service string
	// Level is a zerolog level name ("debug", "info", "warn", "error"). Empty means info.
	Level string
	// Format is "json" (default) or "console".
	Format string
	// Dir, when set, mirrors every entry into {Dir}/{Service}_{date}.log.
	Dir string
	// Output overrides stdout as the primary destination.
	Output io.Writer
}

type zerologLogger struct {
	logger zerolog.Logger
	closer io.Closer
}

// New builds a Logger from opts.
//
// Parameters:
//   - opts: Service name, level, format and optional log directory
//
// Returns:
//   - The Logger, or an error if the level is unknown or the log directory cannot be used
func New(opts Options) (Logger, error) {
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
		out = os.Stdout
	}

	switch opts.Format {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: opts.Output != nil}
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	var closer io.Closer
	if opts.Dir != "" {
		fw, err := NewDailyFileWriter(opts.Service, opts.Dir)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(out, fw)
		closer = fw
	}

	return &zerologLogger{
		logger: zerolog.New(out).With().Str("service", opts.Service).Timestamp().Logger().Level(level),
		closer: closer,
	}, nil
}

// NewZerologLogger wraps an existing zerolog.Logger, adding the service name
// and a timestamp to every entry and filtering by level.
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger. Derived loggers share, but do not own, the file writer.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

func (z *zerologLogger) Close() error {
	if z.closer == nil {
		return nil
	}

	err := z.closer.Close()
	z.closer = nil
	return err
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			m[f.Key] = err.Error()
			continue
		}
		m[f.Key] = f.Value
	}

	return m
}
