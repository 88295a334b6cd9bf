package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/philBram/grafana-test/config"
	"github.com/philBram/grafana-test/logger"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Consumer is a sarama.ConsumerGroupHandler that logs every RollEvent it
// receives, continuing the producer's trace.
type Consumer struct {
	ready      chan bool
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	consumed   metric.Int64Counter
}

func NewConsumer(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) (*Consumer, error) {
	consumed, err := mp.Meter(name).Int64Counter("rolls.consumed",
		metric.WithDescription("Number of roll events consumed"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumed counter: %w", err)
	}
	return &Consumer{
		ready:      make(chan bool),
		tracer:     tp.Tracer(name),
		propagator: prop,
		consumed:   consumed,
	}, nil
}

// Run consumes the configured topics until ctx is cancelled or the
// consumer group fails.
func Run(ctx context.Context, conf config.KafkaConfig, consumer *Consumer) error {
	return run(ctx, conf, consumer, newConsumerConfig())
}

func newConsumerConfig() *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = ProtocolVersion
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	return saramaConfig
}

func run(ctx context.Context, conf config.KafkaConfig, consumer *Consumer, saramaConfig *sarama.Config) error {
	log := logger.Get()
	log.Info("Starting a new Sarama consumer")

	client, err := sarama.NewConsumerGroup(conf.Brokers, conf.ConsumerGroup, saramaConfig)
	if err != nil {
		return fmt.Errorf("error creating consumer group client: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := consumer.ready
	consumeErr := make(chan error, 1)
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			// `Consume` should be called inside an infinite loop, when a
			// server-side rebalance happens, the consumer session will need to be
			// recreated to get the new claims
			if err := client.Consume(ctx, strings.Split(conf.Topic, ","), consumer); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				consumeErr <- err
				return
			}
			// check if context was cancelled, signaling that the consumer should stop
			if ctx.Err() != nil {
				return
			}
			consumer.ready = make(chan bool)
		}
	}()

	select {
	case <-ready: // Await till the consumer has been set up
		log.Info("Sarama consumer up and running!...")
	case <-ctx.Done():
	case err = <-consumeErr:
	}

	if err == nil {
		select {
		case <-ctx.Done():
			log.Info("terminating: context cancelled")
		case err = <-consumeErr:
		}
	}
	if err != nil {
		log.Error("Error from consumer", zap.Error(err))
	}
	cancel()
	wg.Wait()
	if closeErr := client.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("error closing client: %w", closeErr))
	}
	return err
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (consumer *Consumer) Setup(sarama.ConsumerGroupSession) error {
	// Mark the consumer as ready
	close(consumer.ready)
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (consumer *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
// Once the Messages() channel is closed, the Handler must finish its processing
// loop and exit.
func (consumer *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := logger.Get()
	// NOTE:
	// Do not move the code below to a goroutine.
	// The `ConsumeClaim` itself is called within a goroutine, see:
	// https://github.com/IBM/sarama/blob/main/consumer_group.go#L27-L29
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				log.Info("message channel was closed")
				return nil
			}
			_, _ = consumer.handleMessage(session.Context(), message)
			session.MarkMessage(message, "")
		// Should return when `session.Context()` is done.
		// If not, will raise `ErrRebalanceInProgress` or `read tcp <ip>:<port>: i/o timeout` when kafka rebalance. see:
		// https://github.com/IBM/sarama/issues/1192
		case <-session.Context().Done():
			return nil
		}
	}
}

func (consumer *Consumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) (RollEvent, error) {
	ctx = consumer.propagator.Extract(ctx, extractHeaders(message.Headers))
	ctx, span := consumer.tracer.Start(ctx,
		fmt.Sprintf("%s receive", message.Topic),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(message.Topic),
			semconv.MessagingOperationReceive,
			semconv.MessagingKafkaDestinationPartition(int(message.Partition)),
			semconv.MessagingKafkaMessageOffset(int(message.Offset)),
		),
	)
	defer span.End()
	log := logger.FromCtx(ctx)

	var roll RollEvent
	if err := json.Unmarshal(message.Value, &roll); err != nil {
		log.Warn("Error unmarshalling message", zap.Error(err), zap.Int64("offset", message.Offset))
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "invalid roll event")
		return RollEvent{}, err
	}

	consumer.consumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", message.Topic)))
	span.SetAttributes(attribute.Int("dice.rolls", roll.Rolls))
	log.Info("Dice roll", zap.Int("rolls", roll.Rolls), zap.Ints("results", roll.Results),
		zap.Time("timestamp", message.Timestamp))
	return roll, nil
}
