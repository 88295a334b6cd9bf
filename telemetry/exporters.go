package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"

	"github.com/philBram/grafana-test/config"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	tracesPath  = "/v1/traces"
	metricsPath = "/v1/metrics"
	logsPath    = "/v1/logs"
)

// exporters builds the OTLP exporter of each signal for the configured
// protocol. With grpc all three share conn.
type exporters struct {
	conf config.TelemetryConfig
	conn *grpc.ClientConn
}

func (e exporters) enabled() bool {
	return e.conf.ExporterEndpoint != ""
}

func (e exporters) headers() map[string]string {
	if e.conf.ExporterToken == "" {
		return nil
	}
	return map[string]string{"Authorization": e.conf.ExporterToken}
}

func (e exporters) trace(ctx context.Context) (trace.SpanExporter, error) {
	if e.conn != nil {
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithGRPCConn(e.conn),
			otlptracegrpc.WithHeaders(e.headers()))
	}
	return otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(signalURL(e.conf, tracesPath)),
		otlptracehttp.WithHeaders(e.headers()))
}

func (e exporters) metric(ctx context.Context) (metric.Exporter, error) {
	if e.conn != nil {
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithGRPCConn(e.conn),
			otlpmetricgrpc.WithHeaders(e.headers()))
	}
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpointURL(signalURL(e.conf, metricsPath)),
		otlpmetrichttp.WithHeaders(e.headers()))
}

func (e exporters) log(ctx context.Context) (sdklog.Exporter, error) {
	if e.conn != nil {
		return otlploggrpc.New(ctx,
			otlploggrpc.WithGRPCConn(e.conn),
			otlploggrpc.WithHeaders(e.headers()))
	}
	return otlploghttp.New(ctx,
		otlploghttp.WithEndpointURL(signalURL(e.conf, logsPath)),
		otlploghttp.WithHeaders(e.headers()))
}

// baseURL returns the configured endpoint as a URL, defaulting the scheme
// from the insecure flag when the endpoint is a bare host:port.
func baseURL(conf config.TelemetryConfig) (*url.URL, error) {
	endpoint := strings.TrimRight(conf.ExporterEndpoint, "/")
	if !strings.Contains(endpoint, "://") {
		scheme := "https"
		if conf.Insecure {
			scheme = "http"
		}
		endpoint = scheme + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", conf.ExporterEndpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: missing host", conf.ExporterEndpoint)
	}
	return u, nil
}

// signalURL appends the per-signal path to the endpoint, the way the OTLP/HTTP
// exporters expect a full URL.
func signalURL(conf config.TelemetryConfig, path string) string {
	u, err := baseURL(conf)
	if err != nil {
		return conf.ExporterEndpoint + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// Initialize a gRPC connection to be used by the tracer, meter and logger
// providers.
func initConn(conf config.TelemetryConfig) (*grpc.ClientConn, error) {
	u, err := baseURL(conf)
	if err != nil {
		return nil, err
	}

	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if conf.Insecure || u.Scheme == "http" {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(u.Host, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
