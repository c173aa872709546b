// Tracing instrumentation for the orchestrator.
package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/orchestrator/internal/plan"
	"github.com/vinayprograms/orchestrator/internal/telemetry"
)

// startExecutionSpan starts the span covering one execution run.
func (o *Orchestrator) startExecutionSpan(ctx context.Context, id string, p *plan.Plan) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "execution.run")
	span.SetAttributes(
		attribute.String("execution.id", id),
		attribute.String("execution.risk", string(p.RiskLevel)),
		attribute.Int("execution.steps", len(p.Steps)),
	)
	return ctx, span
}

// startStepSpan starts a span for a forward or rollback step.
func (o *Orchestrator) startStepSpan(ctx context.Context, id, stepID, tool string, rollback bool) (context.Context, trace.Span) {
	name := "step." + tool
	if rollback {
		name = "rollback." + tool
	}
	ctx, span := telemetry.Tracer().Start(ctx, name)
	span.SetAttributes(
		attribute.String("execution.id", id),
		attribute.String("step.id", stepID),
		attribute.String("step.tool", tool),
		attribute.Bool("step.rollback", rollback),
	)
	return ctx, span
}

// startRollbackSpan starts the span covering a rollback request.
func (o *Orchestrator) startRollbackSpan(ctx context.Context, id string, steps int) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "execution.rollback")
	span.SetAttributes(
		attribute.String("execution.id", id),
		attribute.Int("rollback.steps", steps),
	)
	return ctx, span
}

// endSpan ends a span with its outcome.
func (o *Orchestrator) endSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
