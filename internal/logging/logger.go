// Package logging provides the structured-logging interface shared by every
// pyznap component.
package logging

import (
	"fmt"
	"log/slog"
	"testing"
)

// Logger is the logging interface every component depends on, so components
// never import log/slog directly and tests can swap in a recorder.
type Logger interface {
	WithField(k string, v any) Logger
	WithFields(data map[string]any) Logger
	WithError(err error) Logger
	Debug(msg string)
	Debugf(format string, args ...any)
	Info(msg string)
	Infof(format string, args ...any)
	Warn(msg string)
	Warnf(format string, args ...any)
	Error(msg string)
	Errorf(format string, args ...any)
}

// New wraps an *slog.Logger as a Logger.
func New(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

type slogLogger struct {
	l      *slog.Logger
	fields []any
}

func (s *slogLogger) with(args ...any) *slogLogger {
	return &slogLogger{l: s.l, fields: append(append([]any{}, s.fields...), args...)}
}

func (s *slogLogger) WithField(k string, v any) Logger {
	return s.with(k, v)
}

func (s *slogLogger) WithFields(data map[string]any) Logger {
	args := make([]any, 0, len(data)*2)
	for k, v := range data {
		args = append(args, k, v)
	}
	return s.with(args...)
}

func (s *slogLogger) WithError(err error) Logger {
	return s.with("error", err)
}

func (s *slogLogger) Debug(msg string)                  { s.l.Debug(msg, s.fields...) }
func (s *slogLogger) Debugf(f string, a ...any)         { s.l.Debug(sprintf(f, a...), s.fields...) }
func (s *slogLogger) Info(msg string)                   { s.l.Info(msg, s.fields...) }
func (s *slogLogger) Infof(f string, a ...any)          { s.l.Info(sprintf(f, a...), s.fields...) }
func (s *slogLogger) Warn(msg string)                   { s.l.Warn(msg, s.fields...) }
func (s *slogLogger) Warnf(f string, a ...any)          { s.l.Warn(sprintf(f, a...), s.fields...) }
func (s *slogLogger) Error(msg string)                  { s.l.Error(msg, s.fields...) }
func (s *slogLogger) Errorf(f string, a ...any)         { s.l.Error(sprintf(f, a...), s.fields...) }

// NoopLogger implements Logger by discarding everything.
type NoopLogger struct{}

func (NoopLogger) WithField(string, any) Logger           { return NoopLogger{} }
func (NoopLogger) WithFields(map[string]any) Logger       { return NoopLogger{} }
func (NoopLogger) WithError(error) Logger                 { return NoopLogger{} }
func (NoopLogger) Debug(string)                           {}
func (NoopLogger) Debugf(string, ...any)                  {}
func (NoopLogger) Info(string)                            {}
func (NoopLogger) Infof(string, ...any)                   {}
func (NoopLogger) Warn(string)                            {}
func (NoopLogger) Warnf(string, ...any)                   {}
func (NoopLogger) Error(string)                           {}
func (NoopLogger) Errorf(string, ...any)                  {}

// TestLogger routes log lines to testing.T.Logf.
type TestLogger struct {
	t      *testing.T
	fields map[string]any
}

// NewTestLogger builds a Logger that writes through t.Logf.
func NewTestLogger(t *testing.T) Logger {
	return &TestLogger{t: t, fields: make(map[string]any)}
}

func (t *TestLogger) cloneFields() map[string]any {
	fields := make(map[string]any, len(t.fields))
	for k, v := range t.fields {
		fields[k] = v
	}
	return fields
}

func (t *TestLogger) WithField(k string, v any) Logger {
	fields := t.cloneFields()
	fields[k] = v
	return &TestLogger{t: t.t, fields: fields}
}

func (t *TestLogger) WithFields(data map[string]any) Logger {
	fields := t.cloneFields()
	for k, v := range data {
		fields[k] = v
	}
	return &TestLogger{t: t.t, fields: fields}
}

func (t *TestLogger) WithError(err error) Logger {
	fields := t.cloneFields()
	fields["error"] = err
	return &TestLogger{t: t.t, fields: fields}
}

func (t *TestLogger) Debug(msg string)                  { t.Debugf(msg) }
func (t *TestLogger) Debugf(f string, a ...any)         { t.t.Logf("[DBG] "+f+" [%#v]", append(a, t.fields)...) }
func (t *TestLogger) Info(msg string)                   { t.Infof(msg) }
func (t *TestLogger) Infof(f string, a ...any)          { t.t.Logf("[INF] "+f+" [%#v]", append(a, t.fields)...) }
func (t *TestLogger) Warn(msg string)                   { t.Warnf(msg) }
func (t *TestLogger) Warnf(f string, a ...any)          { t.t.Logf("[WRN] "+f+" [%#v]", append(a, t.fields)...) }
func (t *TestLogger) Error(msg string)                  { t.Errorf(msg) }
func (t *TestLogger) Errorf(f string, a ...any)         { t.t.Logf("[ERR] "+f+" [%#v]", append(a, t.fields)...) }

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
