package observability

// Config holds OpenTelemetry configuration.
type Config struct {
	// Exporter type: "none", "stdout", or "otlp"
	Exporter string `env:"SBREALTIME_OTEL_EXPORTER" envDefault:"none"`

	// OTLP endpoint (for otlp exporter)
	Endpoint string `env:"SBREALTIME_OTEL_ENDPOINT" envDefault:"localhost:4317"`

	// Service name for telemetry
	ServiceName string `env:"SBREALTIME_OTEL_SERVICE_NAME" envDefault:"sbrealtime"`

	// Trace sampling rate (0.0 to 1.0)
	SampleRate float64 `env:"SBREALTIME_OTEL_SAMPLE_RATE" envDefault:"0.1"`

	MetricsEnabled bool `env:"SBREALTIME_OTEL_METRICS" envDefault:"false"`
	TracesEnabled  bool `env:"SBREALTIME_OTEL_TRACES" envDefault:"false"`
}

// NewConfig returns default configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:       "none",
		Endpoint:       "localhost:4317",
		ServiceName:    "sbrealtime",
		SampleRate:     0.1,
		MetricsEnabled: false,
		TracesEnabled:  false,
	}
}

// ShouldEnable returns true if OTel should be initialized.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "none"
}
