// Package audit records what content was stored and fetched, one structured
// log entry per operation.
package audit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Severities carried in the "severity" field.
const (
	SeverityInfo = "info"
	SeverityWarn = "warn"
)

// Logger writes audit events. Events carry no zerolog level, so the global
// level set for console logging never filters them; their severity is a
// plain field instead.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger from a zerolog.Logger. Pass
// zerolog.Nop() to discard events.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// OpenFile appends JSON audit events to path, creating it with mode 0600.
// The returned function closes the file.
func OpenFile(path string) (*Logger, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewLogger(zerolog.New(f).With().Timestamp().Logger()), f.Close, nil
}

// LogFetch logs the outcome of a fetch request.
// mode is the failure mode name, empty on success.
func (l *Logger) LogFetch(requestID, uri, result, mode string, size int64, restarts int) {
	severity := SeverityInfo
	if result == ResultFailure {
		severity = SeverityWarn
	}

	event := l.logger.Log().
		Str("severity", severity).
		Str("event_type", "fetch").
		Str("request_id", requestID).
		Str("uri", uri).
		Str("result", result).
		Int("restarts", restarts)

	if mode != "" {
		event = event.Str("mode", mode)
	}
	if result == ResultSuccess {
		event = event.Int64("size", size)
	}

	event.Msg("Fetch event")
}

// LogInsert logs content stored under key.
// kind is the manifest kind; source is the file or directory inserted, or
// the redirect target.
func (l *Logger) LogInsert(key, kind, source string) {
	l.logger.Log().
		Str("severity", SeverityInfo).
		Str("event_type", "insert").
		Str("key", key).
		Str("kind", kind).
		Str("source", source).
		Msg("Insert event")
}

// LogRecover logs a bucket adopted from a recovery record.
func (l *Logger) LogRecover(name string, size int64) {
	l.logger.Log().
		Str("severity", SeverityInfo).
		Str("event_type", "recover").
		Str("bucket", name).
		Int64("size", size).
		Msg("Recover event")
}
