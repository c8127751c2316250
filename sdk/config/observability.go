package config

// Metrics 指标配置
type Metrics struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

var MetricsConfig = new(Metrics)

// Tracing 链路追踪配置
type Tracing struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"serviceName"`
	Endpoint    string  `mapstructure:"endpoint"` // OTLP gRPC 地址，如 otel-collector:4317
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sampleRate"`
}

var TracingConfig = new(Tracing)

func (t *Tracing) SetDefaults(appName string) {
	if t.ServiceName == "" {
		t.ServiceName = appName
	}
	if t.SampleRate == 0 {
		t.SampleRate = 1
	}
}
