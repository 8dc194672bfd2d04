package traces

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Settings{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, parent := StartSpan(context.Background(), "POST /v1/accounts/:account/recovery")
	_, child := StartSpan(ctx, "coordinator.initiate_recovery",
		Account("0xaaaa"),
		Guardian("0x1111"),
		RequestID("rr_1"),
	)
	child.End()
	parent.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	got := spans[0]
	assert.Equal(t, "coordinator.initiate_recovery", got.Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), got.Parent().SpanID())
	assert.Contains(t, got.Attributes(), attribute.String("account.addr", "0xaaaa"))
	assert.Contains(t, got.Attributes(), attribute.String("guardian.addr", "0x1111"))
	assert.Contains(t, got.Attributes(), attribute.String("recovery.request_id", "rr_1"))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Settings{ServiceVersion: "1.2.3", Environment: "staging"})
	require.Len(t, attrs, 3)
	assert.Equal(t, "guardian", attrs[0].Value.AsString())
	assert.Equal(t, "1.2.3", attrs[1].Value.AsString())
	assert.Equal(t, "staging", attrs[2].Value.AsString())

	assert.Len(t, resourceAttributes(Settings{}), 1)
}
