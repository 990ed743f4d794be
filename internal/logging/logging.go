// Package logging configures the structured loggers used across the module.
//
// Components receive a *slog.Logger through their constructors. Init builds the
// process logger from config; NewDiscard is the default for library use and tests.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the level, format and destination of the process logger
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	// File, when set, receives JSON logs with size-based rotation
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var level = new(slog.LevelVar)

// ParseLevel converts a level name into a slog level, defaulting to info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the level of every logger built by Init
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Init builds the process logger, installs it as the slog default and returns a
// close function for the file writer, if any
func Init(opts Options) (*slog.Logger, func() error, error) {
	SetLevel(ParseLevel(opts.Level))
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	closer := func() error { return nil }
	if opts.File != "" {
		w, err := newRotatingWriter(opts)
		if err != nil {
			return nil, nil, err
		}
		handler = fanout{handler, slog.NewJSONHandler(w, handlerOpts)}
		closer = w.Close
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

func newRotatingWriter(opts Options) (*lumberjack.Logger, error) {
	dir := filepath.Dir(opts.File)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
	}
	if opts.MaxSizeMB > 0 {
		w.MaxSize = opts.MaxSizeMB
	}
	if opts.MaxBackups > 0 {
		w.MaxBackups = opts.MaxBackups
	}
	if opts.MaxAgeDays > 0 {
		w.MaxAge = opts.MaxAgeDays
	}
	return w, nil
}

// ForModule returns a child logger tagged with the module name
func ForModule(logger *slog.Logger, module string) *slog.Logger {
	if logger == nil {
		logger = NewDiscard()
	}
	return logger.With("module", module)
}

// NewDiscard returns a logger that drops everything
func NewDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// fanout sends every record to all handlers that accept its level
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
