// Package observability holds the logging, metrics and tracing seams shared
// by the migration engine and its stores, plus their zap, Prometheus and
// OpenTelemetry implementations.
package observability

import (
	"context"
	"time"
)

// Logger is the structured logging seam. kv is a flat list of key/value
// pairs.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// MetricsRecorder observes the outcome and latency of one operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer opens a span around an operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is closed exactly once with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// NopLogger discards every entry.
func NopLogger() Logger { return noopLogger{} }

// NopMetrics discards every observation.
func NopMetrics() MetricsRecorder { return noopMetrics{} }

// NopTracer opens spans that record nothing.
func NopTracer() Tracer { return noopTracer{} }

// Instrument runs fn inside a span and records its outcome.
func Instrument(ctx context.Context, tracer Tracer, metrics MetricsRecorder, operation string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := tracer.Start(ctx, operation)
	err := fn(ctx)
	span.End(err)
	metrics.Observe(ctx, operation, err == nil, time.Since(start))
	return err
}
