package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philBram/grafana-test/config"
	"github.com/philBram/grafana-test/dice"
	"github.com/philBram/grafana-test/health"
	"github.com/philBram/grafana-test/kafka"
	"github.com/philBram/grafana-test/logger"
	"github.com/philBram/grafana-test/rolldice"
	"github.com/philBram/grafana-test/server"
	"github.com/philBram/grafana-test/telemetry"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {
	// Handle SIGINT and SIGTERM gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load config
	conf, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := logger.SetLevel(conf.LogLevel); err != nil {
		return err
	}
	zaplog := logger.Get()

	// Setup otel
	otelPipeline, err := telemetry.SetupOtelSDK(ctx, conf)
	if err != nil {
		zaplog.Error("failed to setup otel", zap.Error(err))
		return err
	}
	// Flush telemetry last so shutdown logs are exported too.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = errors.Join(err, otelPipeline.Shutdown(shutdownCtx))
	}()

	roller, err := dice.NewRoller(otelPipeline.MeterProvider, otelPipeline.TracerProvider)
	if err != nil {
		return err
	}
	rollHandler := rolldice.Handler{Roller: roller}
	if err := rollHandler.Metrics.InitMetrics(otelPipeline.MeterProvider); err != nil {
		return err
	}

	if conf.KafkaEnabled() {
		producer, err := kafka.NewProducer(conf.Kafka)
		if err != nil {
			return err
		}
		publisher := kafka.NewPublisher(conf.Kafka.Topic, producer, otelPipeline.TracerProvider, otel.GetTextMapPropagator())
		defer func() {
			if closeErr := publisher.Close(); closeErr != nil {
				zaplog.Warn("failed to close kafka publisher", zap.Error(closeErr))
			}
		}()
		rollHandler.Publisher = publisher
		zaplog.Info("publishing roll events", zap.Strings("brokers", conf.Kafka.Brokers), zap.String("topic", conf.Kafka.Topic))
	}

	healthHandler := health.NewHandler(otelPipeline.TracerProvider)
	router := server.NewRouter(conf.ServiceName, otelPipeline.TracerProvider, otel.GetTextMapPropagator(), server.Routes{
		RollDice: rollHandler.RollDice,
		Health:   healthHandler.HealthCheck,
		Metrics:  otelPipeline.MetricsHandler,
	})

	zaplog.Debug("starting server", zap.String("service-name", conf.ServiceName), zap.String("addr", conf.Addr()))
	return server.Run(ctx, conf.Addr(), router)
}
