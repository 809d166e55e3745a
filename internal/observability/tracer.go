package observability

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// initTracerProvider builds a batching tracer provider for the configured
// exporter, sampling root spans at cfg.SampleRate.
func initTracerProvider(ctx context.Context, cfg *Config) (trace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "none":
		return noop.NewTracerProvider(), nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		exporter = exp
	case "otlp":
		conn, err := dialCollector(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	), nil
}

// ServiceVersion is reported in the telemetry resource.
const ServiceVersion = "0.1.0"

const instrumentationName = "github.com/markb/sbrealtime"

// Tracer returns the tracer registered with the global provider. Init
// installs the configured provider; before that it is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Span and metric attributes. The HTTP keys are used by the test server.
var (
	AttrHTTPMethod      = attribute.Key("http.method")
	AttrHTTPStatusCode  = attribute.Key("http.status_code")
	AttrHTTPTarget      = attribute.Key("http.target")
	AttrHTTPHost        = attribute.Key("http.host")
	AttrHTTPRemoteAddr  = attribute.Key("http.remote_addr")
	AttrRealtimeURL     = attribute.Key("realtime.url")
	AttrRealtimeEvent   = attribute.Key("realtime.event")
	AttrRealtimeAttempt = attribute.Key("realtime.attempt")
	AttrRealtimeMatched = attribute.Key("realtime.matched")
	AttrRealtimeSuccess = attribute.Key("realtime.success")
)
