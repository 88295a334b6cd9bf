package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTracing(t *testing.T) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, spans
}

func TestPublisherPublish(t *testing.T) {
	tp, spans := newTracing(t)
	producer := mocks.NewAsyncProducer(t, mocks.NewTestConfig())
	producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "dice-rolls" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var event RollEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.Rolls != 3 || len(event.Results) != 3 {
			return errors.New("unexpected event " + string(value))
		}
		for _, h := range msg.Headers {
			if string(h.Key) == "traceparent" {
				return nil
			}
		}
		return errors.New("missing traceparent header")
	})

	pub := NewPublisher("dice-rolls", producer, tp, propagation.TraceContext{})
	pub.Publish(context.Background(), 3, []int{1, 4, 6})
	require.NoError(t, pub.Close())

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "dice-rolls publish", ended[0].Name())
	assert.Equal(t, trace.SpanKindProducer, ended[0].SpanKind())
	assert.NotEqual(t, otelcodes.Error, ended[0].Status().Code)
}

func TestPublisherDeliveryFailure(t *testing.T) {
	tp, spans := newTracing(t)
	producer := mocks.NewAsyncProducer(t, mocks.NewTestConfig())
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	pub := NewPublisher("dice-rolls", producer, tp, propagation.TraceContext{})
	pub.Publish(context.Background(), 1, []int{2})
	require.NoError(t, pub.Close())

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, otelcodes.Error, ended[0].Status().Code)
}

func TestPublisherAfterClose(t *testing.T) {
	tp, spans := newTracing(t)
	producer := mocks.NewAsyncProducer(t, mocks.NewTestConfig())

	pub := NewPublisher("dice-rolls", producer, tp, propagation.TraceContext{})
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())

	assert.NotPanics(t, func() { pub.Publish(context.Background(), 2, []int{3, 5}) })
	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, otelcodes.Error, ended[0].Status().Code)
}
