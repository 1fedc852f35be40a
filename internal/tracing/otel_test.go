package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAndShutdownOpenTelemetry(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "chatgate-test", ServiceVersion: "1.2.3", SampleRatio: 5}))
	// A second call keeps the installed provider.
	require.NoError(t, InitOpenTelemetry(Options{}))

	ctx, span := StartSpan(context.Background(), "chatgate.test", "sampled", AccountAttributes("wecom", "default")...)
	assert.True(t, span.SpanContext().IsSampled())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
	span.End()

	require.NoError(t, ShutdownOpenTelemetry(context.Background()))
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))
}

func TestAccountAttributes(t *testing.T) {
	attrs := AccountAttributes("dingtalk", "ops")
	require.Len(t, attrs, 2)
	assert.Equal(t, ChannelAttrKey, attrs[0].Key)
	assert.Equal(t, "dingtalk", attrs[0].Value.AsString())
	assert.Equal(t, AccountAttrKey, attrs[1].Key)
	assert.Equal(t, "ops", attrs[1].Value.AsString())
}

func TestHTTPPropagation(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{}))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	ctx, span := StartSpan(WithCorrelationID(context.Background(), "corr-1"), "chatgate.test", "outgoing")
	defer span.End()

	header := http.Header{}
	InjectHTTP(ctx, header)
	assert.Equal(t, "corr-1", header.Get(CorrelationHeader))
	assert.NotEmpty(t, header.Get("traceparent"))

	received := ExtractHTTP(context.Background(), header)
	assert.Equal(t, "corr-1", GetCorrelationID(received))

	_, child := StartSpan(received, "chatgate.test", "incoming")
	defer child.End()
	assert.Equal(t, span.SpanContext().TraceID(), child.SpanContext().TraceID())
}
