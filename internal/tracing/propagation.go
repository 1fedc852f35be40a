package tracing

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.CorrelationID != "" {
		lc = lc.Str("correlation_id", tc.CorrelationID)
	}
	if tc.Channel != "" {
		lc = lc.Str("channel", tc.Channel)
	}
	if tc.AccountID != "" {
		lc = lc.Str("account", tc.AccountID)
	}
	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext merges tracing information from source context into target context
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.CorrelationID != "" && GetCorrelationID(target) == "" {
		target = WithCorrelationID(target, tc.CorrelationID)
	}
	if tc.Channel != "" && GetChannel(target) == "" {
		target = WithAccount(target, tc.Channel, tc.AccountID)
	}
	return target
}

// CorrelationHeader carries a correlation id across HTTP hops.
const CorrelationHeader = "X-Correlation-Id"

// ExtractHTTP reads W3C trace context and the correlation id from headers.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
	if id := h.Get(CorrelationHeader); id != "" {
		ctx = WithCorrelationID(ctx, id)
	}
	return ctx
}

// InjectHTTP writes the span context and correlation id of ctx into headers.
func InjectHTTP(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
	if id := GetCorrelationID(ctx); id != "" {
		h.Set(CorrelationHeader, id)
	}
}
