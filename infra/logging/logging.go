// Package logging constructs the process-wide structured logger and its
// Watermill adapter: a single log/slog.Logger bridged to OpenTelemetry via
// otelslog so every relay log record carries trace context when a trace is
// live, plus a thin watermill.LoggerAdapter wrapper so the gochannel router
// logs through the same sink.
package logging

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// Options controls logger construction.
type Options struct {
	ServiceName string
	Debug       bool
}

// New constructs the process slog.Logger: a JSON handler to stdout wrapped
// by otelslog's bridge, so any record emitted while a span is active on the
// record's context carries that span's trace and span ids. The global
// LoggerProvider (set up alongside the meter/tracer providers at process
// start) backs the bridge; until one is set, otelslog falls back to a no-op
// provider and records are still written via the underlying JSON handler.
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	return otelslog.NewLogger(opts.ServiceName)
}

// watermillAdapter satisfies watermill.LoggerAdapter by forwarding to a
// slog.Logger, so the Trigger Engine bridge's gochannel pub/sub and router
// (wired in cmd) log through the same structured sink as the rest of the
// process.
type watermillAdapter struct {
	logger *slog.Logger
	fields watermill.LogFields
}

// NewWatermillLogger wraps logger as a watermill.LoggerAdapter.
func NewWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return &watermillAdapter{logger: logger}
}

func (a *watermillAdapter) attrs(fields watermill.LogFields) []any {
	merged := make(watermill.LogFields, len(a.fields)+len(fields))
	for k, v := range a.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	attrs := make([]any, 0, len(merged)*2)
	for k, v := range merged {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (a *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(a.attrs(fields), slog.Any("error", err))...)
}

func (a *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, a.attrs(fields)...)
}

func (a *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, a.attrs(fields)...)
}

func (a *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, a.attrs(fields)...)
}

func (a *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(a.fields)+len(fields))
	for k, v := range a.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &watermillAdapter{logger: a.logger, fields: merged}
}
