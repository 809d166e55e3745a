package observability

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the realtime client instruments and the HTTP instruments
// used by the test server.
type Metrics struct {
	// Client metrics
	MessagesSent      metric.Int64Counter
	MessagesReceived  metric.Int64Counter
	MessagesThrottled metric.Int64Counter
	Reconnects        metric.Int64Counter
	ConnectDuration   metric.Float64Histogram

	// HTTP server metrics
	HTTPRequestCount    metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
}

// InitMetrics initializes and returns metric instruments.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)

	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.MessagesSent, "realtime.client.messages_sent", "Number of frames written to the socket", "{message}"},
		{&m.MessagesReceived, "realtime.client.messages_received", "Number of frames routed to channels", "{message}"},
		{&m.MessagesThrottled, "realtime.client.messages_throttled", "Number of writes deferred by the rate limit", "{message}"},
		{&m.Reconnects, "realtime.client.reconnects", "Number of reconnect attempts", "{attempt}"},
		{&m.HTTPRequestCount, "http.server.request_count", "Number of HTTP requests", "{request}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.ConnectDuration, err = meter.Float64Histogram(
		"realtime.client.connect_duration",
		metric.WithDescription("Time to establish the socket, including retries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connect duration histogram: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.server.request_duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	return m, nil
}

// The recording helpers below accept a nil receiver so callers can hold an
// optional *Metrics without guarding every call.

// RecordSent counts a frame written to the socket.
func (m *Metrics) RecordSent(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.MessagesSent.Add(ctx, 1, metric.WithAttributes(AttrRealtimeEvent.String(event)))
}

// RecordReceived counts a frame routed to channels.
func (m *Metrics) RecordReceived(ctx context.Context, event string, channels int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Add(ctx, 1, metric.WithAttributes(
		AttrRealtimeEvent.String(event),
		AttrRealtimeMatched.Bool(channels > 0),
	))
}

// RecordThrottled counts a write deferred by the rate limit.
func (m *Metrics) RecordThrottled(ctx context.Context) {
	if m == nil {
		return
	}
	m.MessagesThrottled.Add(ctx, 1)
}

// RecordReconnect counts a reconnect attempt and its outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(AttrRealtimeSuccess.Bool(ok)))
}

// RecordConnect records how long a connect took.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.ConnectDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(AttrRealtimeSuccess.Bool(ok)))
}

// initMeterProvider builds a meter provider with a periodic reader for the
// configured exporter. The reader is returned so Shutdown can flush it.
func initMeterProvider(ctx context.Context, cfg *Config) (metric.MeterProvider, any, error) {
	var exporter sdkmetric.Exporter
	switch cfg.Exporter {
	case "none":
		return sdkmetric.NewMeterProvider(), nil, nil
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		exporter = exp
	case "otlp":
		conn, err := dialCollector(cfg.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return mp, reader, nil
}
