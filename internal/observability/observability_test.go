package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"
)

func collectNames(t *testing.T, reader *sdkmetric.ManualReader) map[string]bool {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	return names
}

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "none", cfg.Exporter)
	assert.Equal(t, "sbrealtime", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
	assert.False(t, cfg.ShouldEnable())

	cfg.Exporter = "stdout"
	assert.True(t, cfg.ShouldEnable())
}

func TestInitDisabled(t *testing.T) {
	tel, cleanup, err := Init(context.Background(), NewConfig())
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	defer cleanup()

	assert.Nil(t, tel.Metrics())
	assert.NotNil(t, tel.TracerProvider())
	assert.NotNil(t, tel.MeterProvider())
}

func TestInitStdout(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"
	cfg.MetricsEnabled = true
	cfg.TracesEnabled = true

	tel, cleanup, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, tel.Metrics())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestClientMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := InitMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordSent(ctx, "broadcast")
	m.RecordReceived(ctx, "phx_reply", 1)
	m.RecordThrottled(ctx)
	m.RecordReconnect(ctx, false)
	m.RecordConnect(ctx, 0, true)

	names := collectNames(t, reader)
	for _, name := range []string{
		"realtime.client.messages_sent",
		"realtime.client.messages_received",
		"realtime.client.messages_throttled",
		"realtime.client.reconnects",
		"realtime.client.connect_duration",
	} {
		assert.True(t, names[name], "expected %s to be recorded", name)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSent(context.Background(), "heartbeat")
		m.RecordThrottled(context.Background())
	})
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := InitMetrics(mp)
	require.NoError(t, err)

	tel := &Telemetry{config: NewConfig(), meterProvider: mp, metrics: m}
	handler := HTTPMiddleware(tel, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, trace.SpanFromContext(r.Context()).IsRecording())
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	names := collectNames(t, reader)
	assert.True(t, names["http.server.request_count"])
	assert.True(t, names["http.server.request_duration"])
}

func TestMiddlewareHijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	assert.Error(t, err)
}
