// Package tracing wraps each dispatch and each node execution in an
// OpenTelemetry span. This is additive instrumentation the core
// owns the emission of but not the export pipeline — callers wire their
// own SDK/exporter via the global otel.Tracer registry as usual; the core
// never configures an exporter itself.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/dagrunner/engine"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartDispatch opens the "dagengine.dispatch" span for one execution.
func StartDispatch(ctx context.Context, executionID, workflowID, tenantID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "dagengine.dispatch", trace.WithAttributes(
		attribute.String("dagengine.execution_id", executionID),
		attribute.String("dagengine.workflow_id", workflowID),
		attribute.String("dagengine.tenant_id", tenantID),
	))
}

// StartNode opens the "dagengine.node.execute" span for one node attempt.
func StartNode(ctx context.Context, executionID, nodeID, nodeType string, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "dagengine.node.execute", trace.WithAttributes(
		attribute.String("dagengine.execution_id", executionID),
		attribute.String("dagengine.node_id", nodeID),
		attribute.String("dagengine.node_type", nodeType),
		attribute.Int("dagengine.attempt", attempt),
	))
}

// EndWithError records err on the span (if non-nil) and closes it. Safe to
// call with a nil error for the success path.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
