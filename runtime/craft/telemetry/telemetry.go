// Package telemetry exposes the logging, metrics and tracing interfaces used
// by the craft runtime. Production wiring delegates to Clue and
// OpenTelemetry; tests use the noop implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. keyvals are alternating keys and
	// values; keys must be strings.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers. tags are alternating
	// dimension names and values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Names of the metrics recorded by the executor.
const (
	MetricRuns          = "craft.runs"
	MetricRunFailures   = "craft.run.failures"
	MetricRunDuration   = "craft.run.duration"
	MetricTransitions   = "craft.transitions"
	MetricStageDuration = "craft.stage.duration"
	MetricGenerations   = "craft.generate.calls"
	MetricRetries       = "craft.generate.retries"
)
