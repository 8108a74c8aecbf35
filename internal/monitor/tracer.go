package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "playbookd"

// Tracer wraps OpenTelemetry tracing for the execution engine.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("engine.%s", name),
		trace.WithAttributes(attrs...),
	)
}

// Common attribute keys for engine tracing.
var (
	AttrTaskID     = attribute.Key("engine.task.id")
	AttrPlaybookID = attribute.Key("engine.playbook.id")
	AttrTargets    = attribute.Key("engine.target.count")
	AttrStatus     = attribute.Key("engine.task.status")
	AttrExitCode   = attribute.Key("engine.runner.exit_code")
)
