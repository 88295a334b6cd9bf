package config

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap/zapcore"
)

const (
	ProtocolHTTP = "http/protobuf"
	ProtocolGRPC = "grpc"
)

type AppConfig struct {
	ServiceName    string          `env:"SERVICE_NAME, default=roll-a-die"`
	ServiceVersion string          `env:"SERVICE_VERSION, default=1.0.0"`
	Host           string          `env:"HOST"`
	Port           string          `env:"PORT, default=8080"`
	LogLevel       string          `env:"LOG_LEVEL, default=info"`
	Kafka          KafkaConfig     `env:", prefix=KAFKA_"`
	Telemetry      TelemetryConfig `env:", prefix=OTEL_"`
}

type TelemetryConfig struct {
	ServiceNamespace string        `env:"SERVICE_NAMESPACE"`
	ExporterEndpoint string        `env:"EXPORTER_OTLP_ENDPOINT"`
	ExporterToken    string        `env:"EXPORTER_OTLP_TOKEN"`
	ExporterProtocol string        `env:"EXPORTER_OTLP_PROTOCOL, default=http/protobuf"`
	Insecure         bool          `env:"EXPORTER_OTLP_INSECURE"`
	ExportInterval   time.Duration `env:"METRIC_EXPORT_INTERVAL, default=100ms"`
	MetricsStdout    bool          `env:"METRICS_STDOUT"`
	Prometheus       bool          `env:"METRICS_PROMETHEUS"`
	SamplerRatio     float64       `env:"TRACES_SAMPLER_RATIO, default=1.0"`
}

type KafkaConfig struct {
	Brokers       []string `env:"BROKERS, delimiter=;"`
	Topic         string   `env:"TOPIC, default=dice-rolls"`
	ConsumerGroup string   `env:"CONSUMER_GROUP, default=roll-consumer"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (AppConfig, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration from l and validates it.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (AppConfig, error) {
	var conf AppConfig
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &conf,
		Lookuper: l,
	}); err != nil {
		return AppConfig{}, fmt.Errorf("failed to process config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return AppConfig{}, err
	}
	return conf, nil
}

func (c AppConfig) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	switch c.Telemetry.ExporterProtocol {
	case ProtocolHTTP, ProtocolGRPC:
	default:
		return fmt.Errorf("unsupported OTLP protocol %q", c.Telemetry.ExporterProtocol)
	}
	if c.Telemetry.ExportInterval <= 0 {
		return fmt.Errorf("metric export interval must be positive, got %s", c.Telemetry.ExportInterval)
	}
	if c.Telemetry.SamplerRatio < 0 || c.Telemetry.SamplerRatio > 1 {
		return fmt.Errorf("trace sampler ratio must be within [0,1], got %v", c.Telemetry.SamplerRatio)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c AppConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// KafkaEnabled reports whether roll events should be published.
func (c AppConfig) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}
