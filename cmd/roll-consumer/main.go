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
	"github.com/philBram/grafana-test/kafka"
	"github.com/philBram/grafana-test/logger"
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if !conf.KafkaEnabled() {
		return errors.New("KAFKA_BROKERS must be set")
	}
	conf.ServiceName += "-consumer"
	if err := logger.SetLevel(conf.LogLevel); err != nil {
		return err
	}
	zaplog := logger.Get()
	zaplog.Info("loaded config", zap.Strings("brokers", conf.Kafka.Brokers),
		zap.String("topic", conf.Kafka.Topic), zap.String("group", conf.Kafka.ConsumerGroup))

	otelPipeline, err := telemetry.SetupOtelSDK(ctx, conf)
	if err != nil {
		zaplog.Error("failed to setup otel", zap.Error(err))
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = errors.Join(err, otelPipeline.Shutdown(shutdownCtx))
	}()

	consumer, err := kafka.NewConsumer(otelPipeline.TracerProvider, otelPipeline.MeterProvider, otel.GetTextMapPropagator())
	if err != nil {
		return err
	}
	return kafka.Run(ctx, conf.Kafka, consumer)
}
