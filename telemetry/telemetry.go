// Package telemetry exposes the engine's tracing hooks. Spans are emitted
// through the global OpenTelemetry tracer provider; with no provider
// configured they are no-ops.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tiervm/jit"

// StartCompileSpan opens a span covering one background block compilation.
func StartCompileSpan(ctx context.Context, pc uint64, tier string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "jit.compile", trace.WithAttributes(
		attribute.Int64("block.pc", int64(pc)),
		attribute.String("jit.tier", tier),
	))
}

// EndCompileSpan records the outcome and closes the span.
func EndCompileSpan(span trace.Span, codeBytes int, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("jit.code_bytes", codeBytes))
	span.End()
}
