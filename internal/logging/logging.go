// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps log/slog with the small set of conveniences the
// concentrator's subsystems lean on: structured key/value fields, an
// error-attaching helper, and an optional syslog sink for centralizing
// logs off of the host. Every component (the reconciler, the monitors, the
// file watcher) takes a *Logger instead of reaching for the global slog
// default, so tests can inject a discard logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Config controls where and how log records are written.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Dir is the directory rotating log files are written to. Empty means
	// stderr only.
	Dir string
	// JSON selects JSON-formatted records over human-readable text.
	JSON bool
	// Syslog optionally mirrors records to a remote syslog collector.
	Syslog SyslogConfig
}

// DefaultConfig returns sensible defaults for interactive/foreground use.
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// Logger is a structured logger used throughout the concentrator.
type Logger struct {
	base *slog.Logger
}

// New builds a Logger from cfg. Failures opening the log directory or the
// syslog sink degrade to stderr-only logging rather than aborting startup;
// logging failures must never prevent the daemon from reconciling state.
func New(cfg Config) *Logger {
	var writers []io.Writer
	writers = append(writers, os.Stderr)

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(cfg.Dir, "vpncd.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				writers = append(writers, f)
			}
		}
	}

	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			writers = append(writers, w)
		}
	}

	var out io.Writer = io.MultiWriter(writers...)

	level := parseLevel(cfg.Level)
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{base: slog.New(handler)}
}

// NewDiscard returns a Logger that drops everything, for tests.
func NewDiscard() *Logger {
	return &Logger{base: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.base.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.base.Error(msg, args...) }

// With returns a Logger that always includes the given key/value pairs,
// useful for stamping a tenant or network-instance id onto every record a
// subsystem emits for the lifetime of a reconciliation.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...)}
}

// WithError returns a Logger with an "error" field attached.
func (l *Logger) WithError(err error) *Logger {
	return l.With("error", err)
}

// WithFields returns a Logger with the given fields attached.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.With(args...)
}

// Context stamps the logger onto ctx for handlers that thread it through.
type ctxKey struct{}

func IntoContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves a Logger previously stored with IntoContext,
// falling back to a discard logger so callers never need a nil check.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewDiscard()
}
