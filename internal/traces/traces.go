// Package traces provides OpenTelemetry distributed tracing for the guardian service.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/guardian"
	serviceName = "guardian"
)

// Settings configures the exporter and sampler.
type Settings struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint       string
	Insecure       bool
	ServiceVersion string
	Environment    string
	// SampleRatio is the fraction of root traces kept. Values outside (0, 1)
	// keep everything.
	SampleRatio float64
}

// Init installs the global tracer provider and returns its shutdown
// function, to be called on server stop.
func Init(ctx context.Context, s Settings, logger *slog.Logger) (func(context.Context) error, error) {
	if s.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.Endpoint)}
	if s.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(s)...))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(s.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", s.Endpoint, "sample_ratio", s.SampleRatio)
	return tp.Shutdown, nil
}

func resourceAttributes(s Settings) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if s.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(s.ServiceVersion))
	}
	if s.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(s.Environment))
	}
	return attrs
}

// Sampler follows the parent decision and samples new roots at ratio.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common attribute helpers for consistent span decoration.

func Account(addr string) attribute.KeyValue {
	return attribute.String("account.addr", addr)
}

func Guardian(addr string) attribute.KeyValue {
	return attribute.String("guardian.addr", addr)
}

func Signer(addr string) attribute.KeyValue {
	return attribute.String("auth.signer", addr)
}

func RequestID(id string) attribute.KeyValue {
	return attribute.String("recovery.request_id", id)
}

func CredentialID(id string) attribute.KeyValue {
	return attribute.String("passkey.credential_id", id)
}

func Status(status string) attribute.KeyValue {
	return attribute.String("recovery.status", status)
}
