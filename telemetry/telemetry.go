// Package telemetry defines the observability seams used by the chat core
// and provides implementations backed by goa.design/clue/log and OTEL. The
// turn runner and stream sinks receive these interfaces so tests can run
// silent and production wires clue.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates and retrieves spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the subset of span operations the runtime uses.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the turn runner.
const (
	MetricTurns          = "budchat_turns_total"
	MetricToolCalls      = "budchat_tool_calls_total"
	MetricStreamErrors   = "budchat_stream_errors_total"
	MetricTurnDuration   = "budchat_turn_duration_seconds"
	MetricToolDuration   = "budchat_tool_duration_seconds"
	MetricIterationCap   = "budchat_iteration_cap_hits_total"
	MetricTokensConsumed = "budchat_tokens_consumed_total"
)
