// Package logger provides structured logging for the history cache
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with cache-specific helpers
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "historycache").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// CacheLogger returns a logger for one cache ("history", "annotation")
func (l *Logger) CacheLogger(cache string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "cache").
			Str("cache", cache).
			Logger(),
	}
}

// RepoLogger returns a logger for work on one repository
func (l *Logger) RepoLogger(root string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "repository").
			Str("repository", root).
			Logger(),
	}
}

// LogCacheOperation logs a cache operation with structured fields
func (l *Logger) LogCacheOperation(operation string, duration time.Duration, count int, err error) {
	event := l.zlog.Debug().
		Str("operation", operation).
		Dur("duration_ms", duration).
		Int("record_count", count)

	if err != nil {
		event = l.zlog.Error().
			Str("operation", operation).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("Cache operation completed")
}

// LogIngestChunk logs one chunk of a chunked history ingestion
func (l *Logger) LogIngestChunk(index, total int, since, till string, entries int, err error) {
	event := l.zlog.Debug().
		Str("event", "ingest_chunk").
		Int("chunk", index+1).
		Int("chunks", total).
		Str("since", since).
		Str("till", till).
		Int("entries", entries)

	if err != nil {
		event = l.zlog.Error().
			Str("event", "ingest_chunk").
			Int("chunk", index+1).
			Int("chunks", total).
			Str("since", since).
			Str("till", till).
			Err(err)
	}

	event.Msg("History chunk processed")
}

// LogAPIRequest logs a served API request
func (l *Logger) LogAPIRequest(method, route string, status int, duration time.Duration) {
	event := l.zlog.Debug()
	if status >= 500 {
		event = l.zlog.Error()
	}
	event.
		Str("event", "api_request").
		Str("method", method).
		Str("route", route).
		Int("status", status).
		Dur("duration_ms", duration).
		Msg("API request served")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(port int, dataRoot string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("port", port).
		Str("data_root", dataRoot).
		Msg("History cache server starting")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("History cache server shutting down")
}
