// Package telemetry wires the OpenTelemetry SDK for the service: traces,
// metrics and logs exported over OTLP, an optional Prometheus scrape
// endpoint, Go runtime metrics and host/process gauges.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/philBram/grafana-test/config"
	"github.com/philBram/grafana-test/logger"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const name = "github.com/philBram/grafana-test/telemetry"

// Pipeline holds the installed providers. LoggerProvider is nil when no
// OTLP endpoint is configured; MetricsHandler is nil unless Prometheus
// exposition is enabled.
type Pipeline struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	MetricsHandler http.Handler

	mu            sync.Mutex
	shutdownFuncs []func(context.Context) error
}

// Shutdown calls cleanup functions registered during setup.
// The errors from the calls are joined.
// Each registered cleanup will be invoked once.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	fns := p.shutdownFuncs
	p.shutdownFuncs = nil
	p.mu.Unlock()

	var err error
	for i := len(fns) - 1; i >= 0; i-- {
		err = errors.Join(err, fns[i](ctx))
	}
	return err
}

func (p *Pipeline) onShutdown(fn func(context.Context) error) {
	p.mu.Lock()
	p.shutdownFuncs = append(p.shutdownFuncs, fn)
	p.mu.Unlock()
}

// SetupOtelSDK bootstraps the OpenTelemetry pipeline and installs it globally.
// If it does not return an error, make sure to call Shutdown for proper cleanup.
func SetupOtelSDK(ctx context.Context, conf config.AppConfig) (p *Pipeline, err error) {
	p = &Pipeline{}
	log := logger.Get()

	// handleErr calls shutdown for cleanup and makes sure that all errors are returned.
	handleErr := func(inErr error) {
		err = errors.Join(inErr, p.Shutdown(ctx))
		p = nil
	}

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Get().Warn("opentelemetry error", zap.Error(err))
	}))

	res, err := newResource(ctx, conf)
	if err != nil {
		handleErr(err)
		return
	}

	// Set up propagator.
	otel.SetTextMapPropagator(newPropagator())

	exp := exporters{conf: conf.Telemetry}
	if exp.enabled() {
		if _, err = baseURL(conf.Telemetry); err != nil {
			handleErr(err)
			return
		}
	}
	if exp.enabled() && conf.Telemetry.ExporterProtocol == config.ProtocolGRPC {
		var conn *grpc.ClientConn
		conn, err = initConn(conf.Telemetry)
		if err != nil {
			handleErr(err)
			return
		}
		exp.conn = conn
		p.onShutdown(func(context.Context) error { return conn.Close() })
	}

	// Set up trace provider.
	p.TracerProvider, err = newTraceProvider(ctx, res, exp, conf.Telemetry.SamplerRatio)
	if err != nil {
		handleErr(err)
		return
	}
	p.onShutdown(p.TracerProvider.Shutdown)
	otel.SetTracerProvider(p.TracerProvider)

	// Set up meter provider.
	var readers []metric.Reader
	readers, p.MetricsHandler, err = newMetricReaders(ctx, exp)
	if err != nil {
		handleErr(err)
		return
	}
	p.MeterProvider = newMeterProvider(res, readers)
	p.onShutdown(p.MeterProvider.Shutdown)
	otel.SetMeterProvider(p.MeterProvider)

	// Set up logger provider.
	if exp.enabled() {
		p.LoggerProvider, err = newLoggerProvider(ctx, res, exp)
		if err != nil {
			handleErr(err)
			return
		}
		p.onShutdown(p.LoggerProvider.Shutdown)
		global.SetLoggerProvider(p.LoggerProvider)
		logger.Tee(otelzap.NewCore(conf.ServiceName, otelzap.WithLoggerProvider(p.LoggerProvider)))
	}

	if err = runtime.Start(runtime.WithMeterProvider(p.MeterProvider)); err != nil {
		handleErr(fmt.Errorf("failed to start runtime metrics: %w", err))
		return
	}
	reg, err := RegisterHostMetrics(p.MeterProvider.Meter(name))
	if err != nil {
		handleErr(err)
		return
	}
	p.onShutdown(func(context.Context) error { return reg.Unregister() })

	log.Info("telemetry initialized",
		zap.String("endpoint", conf.Telemetry.ExporterEndpoint),
		zap.String("protocol", conf.Telemetry.ExporterProtocol),
		zap.Duration("export_interval", conf.Telemetry.ExportInterval),
		zap.Bool("prometheus", conf.Telemetry.Prometheus))
	return
}

func newResource(ctx context.Context, conf config.AppConfig) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithProcessPID(),
		resource.WithAttributes(
			// The service name used to display traces in backends
			semconv.ServiceName(conf.ServiceName),
			semconv.ServiceVersion(conf.ServiceVersion),
		),
	}
	if ns := conf.Telemetry.ServiceNamespace; ns != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceNamespace(ns)))
	}

	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(ctx context.Context, res *resource.Resource, exp exporters, ratio float64) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	}
	if exp.enabled() {
		traceExporter, err := exp.trace(ctx)
		if err != nil {
			logger.Get().Error("failed to create trace exporter", zap.Error(err))
			return nil, err
		}
		opts = append(opts, trace.WithBatcher(traceExporter, trace.WithBatchTimeout(time.Second)))
	}
	return trace.NewTracerProvider(opts...), nil
}

func newMetricReaders(ctx context.Context, exp exporters) ([]metric.Reader, http.Handler, error) {
	var (
		readers []metric.Reader
		handler http.Handler
	)
	interval := metric.WithInterval(exp.conf.ExportInterval)

	if exp.enabled() {
		metricExporter, err := exp.metric(ctx)
		if err != nil {
			logger.Get().Error("failed to create metric exporter", zap.Error(err))
			return nil, nil, err
		}
		readers = append(readers, metric.NewPeriodicReader(metricExporter, interval))
	}

	if exp.conf.MetricsStdout {
		stdoutExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		readers = append(readers, metric.NewPeriodicReader(stdoutExporter, interval))
	}

	if exp.conf.Prometheus {
		reader, h, err := newPrometheusReader()
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, reader)
		handler = h
	}
	return readers, handler, nil
}

func newMeterProvider(res *resource.Resource, readers []metric.Reader) *metric.MeterProvider {
	opts := []metric.Option{metric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, metric.WithReader(r))
	}
	return metric.NewMeterProvider(opts...)
}

func newLoggerProvider(ctx context.Context, res *resource.Resource, exp exporters) (*sdklog.LoggerProvider, error) {
	logExporter, err := exp.log(ctx)
	if err != nil {
		logger.Get().Error("failed to create log exporter", zap.Error(err))
		return nil, err
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	), nil
}
