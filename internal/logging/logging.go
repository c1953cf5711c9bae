// Package logging configures the process-wide slog logger.
//
// Records always go to stderr as text. With a log directory configured they
// are also written to one file per day, clubfridge.YYYY-MM-DD.log, and only
// the newest files are kept.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Options configures Setup.
type Options struct {
	Level slog.Level

	// Dir receives the daily log files. Empty disables file logging.
	Dir string

	// Retention is the number of daily files kept. Zero keeps all.
	Retention int

	// Console receives text output. Default: os.Stderr.
	Console io.Writer

	// Now is the clock used to pick the file. Default: time.Now.
	Now func() time.Time
}

// Setup builds a logger from opts and installs it as the slog default. The
// returned closer flushes and closes the log file.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	handlers := []slog.Handler{slog.NewTextHandler(console, handlerOpts)}
	var closer io.Closer = nopCloser{}

	if opts.Dir != "" {
		f, err := OpenDailyFile(opts.Dir, opts.Retention, opts.Now)
		if err != nil {
			return nil, nil, fmt.Errorf("setup logging: %w", err)
		}
		handlers = append(handlers, slog.NewTextHandler(f, handlerOpts))
		closer = f
	}

	var handler slog.Handler = handlers[0]
	if len(handlers) > 1 {
		handler = fanout(handlers)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout passes every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
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
