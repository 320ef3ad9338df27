package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
var (
	AttrOperation = attribute.Key("chaintrace.operation")
	AttrTypeTag   = attribute.Key("chaintrace.type_tag")
	AttrBackend   = attribute.Key("chaintrace.ledger.backend")
	AttrScheme    = attribute.Key("chaintrace.signature.scheme")
	AttrTxHash    = attribute.Key("chaintrace.tx_hash")
	AttrStage     = attribute.Key("chaintrace.stage")
	AttrAttempt   = attribute.Key("chaintrace.attempt")
	AttrVerified  = attribute.Key("chaintrace.verified")
	AttrReason    = attribute.Key("chaintrace.reason")
)

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes annotates the span in ctx.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
