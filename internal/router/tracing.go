package router

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/modelrelay/relay/internal"
	"github.com/modelrelay/relay/internal/telemetry"
)

// startSpan opens a span for one invocation. With tracing disabled the
// global provider is a no-op, so this costs nothing on the hot path.
func startSpan(ctx context.Context, name, provider, model string) (context.Context, trace.Span) {
	return telemetry.Tracer("router").Start(ctx, name, trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, relay.Kind(err))
	}
	span.End()
}
