package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/philBram/grafana-test/logger"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const name = "github.com/philBram/grafana-test/kafka"

// Publisher sends RollEvents without waiting for the broker. Delivery
// results are handled in the background and only logged.
type Publisher struct {
	topicName  string
	producer   sarama.AsyncProducer
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPublisher(topicName string, producer sarama.AsyncProducer, tp trace.TracerProvider, prop propagation.TextMapPropagator) *Publisher {
	p := &Publisher{
		topicName:  topicName,
		producer:   producer,
		tracer:     tp.Tracer(name),
		propagator: prop,
	}

	p.wg.Add(2)
	go p.handleSuccesses()
	go p.handleErrors()
	return p
}

// Publish implements rolldice.Publisher. The event is dropped when the
// producer is closed or its input buffer is full.
func (p *Publisher) Publish(ctx context.Context, rolls int, results []int) {
	log := logger.FromCtx(ctx)

	value, err := json.Marshal(RollEvent{Rolls: rolls, Results: results})
	if err != nil {
		log.Error("failed to encode roll event", zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topicName,
		Value: sarama.ByteEncoder(value),
	}
	span := p.createProducerSpan(ctx, msg)
	msg.Metadata = span

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		endSpan(span, fmt.Errorf("publisher closed"))
		return
	}

	select {
	case p.producer.Input() <- msg:
		log.Debug("roll event queued", zap.String("topic", p.topicName), zap.Int("rolls", rolls))
	default:
		endSpan(span, fmt.Errorf("producer input full"))
		log.Warn("dropped roll event, producer input full", zap.String("topic", p.topicName))
	}
}

// Close flushes buffered messages and waits for their delivery results.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.producer.Close()
	p.wg.Wait()
	return err
}

func (p *Publisher) handleSuccesses() {
	defer p.wg.Done()
	log := logger.Get()
	for msg := range p.producer.Successes() {
		if span, ok := msg.Metadata.(trace.Span); ok {
			span.SetAttributes(semconv.MessagingKafkaMessageOffset(int(msg.Offset)))
			endSpan(span, nil)
		}
		log.Debug("Successfully wrote message.", zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))
	}
}

func (p *Publisher) handleErrors() {
	defer p.wg.Done()
	log := logger.Get()
	for perr := range p.producer.Errors() {
		if perr.Msg == nil {
			log.Error("Failed to write message.", zap.Error(perr.Err))
			continue
		}
		if span, ok := perr.Msg.Metadata.(trace.Span); ok {
			endSpan(span, perr.Err)
		}
		log.Error("Failed to write message.", zap.String("topic", perr.Msg.Topic), zap.Error(perr.Err))
	}
}

func (p *Publisher) createProducerSpan(ctx context.Context, msg *sarama.ProducerMessage) trace.Span {
	spanContext, span := p.tracer.Start(
		ctx,
		fmt.Sprintf("%s publish", msg.Topic),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.PeerService("kafka"),
			semconv.NetworkTransportTCP,
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(msg.Topic),
			semconv.MessagingOperationPublish,
		),
	)

	carrier := propagation.MapCarrier{}
	p.propagator.Inject(spanContext, carrier)
	injectHeaders(carrier, msg)

	return span
}

func endSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.Bool("messaging.kafka.producer.success", err == nil))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}
