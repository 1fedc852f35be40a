package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// CorrelationIDKey is the context key for the transport correlation ID
	CorrelationIDKey ContextKey = "correlation_id"
	// ChannelKey is the context key for the channel id
	ChannelKey ContextKey = "channel"
	// AccountIDKey is the context key for the account id
	AccountIDKey ContextKey = "account_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID       string
	CorrelationID string
	Channel       string
	AccountID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewCorrelationID generates an ID for a transport event that carries none.
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithCorrelationID adds a transport correlation ID to the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithAccount tags the context with a channel and account id
func WithAccount(ctx context.Context, channel, accountID string) context.Context {
	ctx = context.WithValue(ctx, ChannelKey, channel)
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, CorrelationIDKey)
}

// GetChannel retrieves the channel id from the context
func GetChannel(ctx context.Context) string {
	return stringValue(ctx, ChannelKey)
}

// GetAccountID retrieves the account id from the context
func GetAccountID(ctx context.Context) string {
	return stringValue(ctx, AccountIDKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:       GetTraceID(ctx),
		CorrelationID: GetCorrelationID(ctx),
		Channel:       GetChannel(ctx),
		AccountID:     GetAccountID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, tc.CorrelationID)
	}
	if tc.Channel != "" || tc.AccountID != "" {
		ctx = WithAccount(ctx, tc.Channel, tc.AccountID)
	}
	return ctx
}

// NewRequestContext creates a new context for an inbound event with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// Detach copies tracing information onto a fresh background context so work
// can outlive the request that started it.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
