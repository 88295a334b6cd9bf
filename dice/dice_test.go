package dice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fixture struct {
	roller *Roller
	reader *sdkmetric.ManualReader
	spans  *tracetest.SpanRecorder
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})

	roller, err := NewRoller(mp, tp, opts...)
	require.NoError(t, err)
	return fixture{roller: roller, reader: reader, spans: spans}
}

func (f fixture) rollCount(t *testing.T) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "diceLib.rolls.counter" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestRollLengthAndRange(t *testing.T) {
	f := newFixture(t)
	for n := 0; n <= 64; n++ {
		results := f.roller.Roll(context.Background(), n, 1, 6)
		require.Len(t, results, n)
		for _, v := range results {
			assert.GreaterOrEqual(t, v, 1)
			assert.LessOrEqual(t, v, 6)
		}
	}
}

func TestRollFormulaBounds(t *testing.T) {
	tests := []struct {
		name   string
		random float64
		want   int
	}{
		{"lowest", 0, 1},
		{"highest", 0.9999999, 6},
		{"middle", 0.5, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithRandom(func() float64 { return tt.random }))
			assert.Equal(t, []int{tt.want, tt.want}, f.roller.Roll(context.Background(), 2, 1, 6))
		})
	}
}

func TestRollCustomRange(t *testing.T) {
	f := newFixture(t)
	for _, v := range f.roller.Roll(context.Background(), 200, -3, 3) {
		assert.GreaterOrEqual(t, v, -3)
		assert.LessOrEqual(t, v, 3)
	}
}

func TestRollNonPositiveCount(t *testing.T) {
	f := newFixture(t)

	for _, n := range []int{0, -1, -100} {
		results := f.roller.Roll(context.Background(), n, 1, 6)
		assert.NotNil(t, results)
		assert.Empty(t, results)
	}
	assert.Zero(t, f.rollCount(t))
}

func TestRollTelemetry(t *testing.T) {
	f := newFixture(t, WithRandom(func() float64 { return 0.2 }))

	f.roller.Roll(context.Background(), 3, 1, 6)

	assert.Equal(t, int64(3), f.rollCount(t))

	ended := f.spans.Ended()
	require.Len(t, ended, 4)
	for i, span := range ended[:3] {
		assert.Equal(t, "rollDice: "+string(rune('0'+i)), span.Name())
		assert.Equal(t, "2", span.Attributes()[0].Value.AsString())
	}

	batch := ended[3]
	assert.Equal(t, "rollTheDice", batch.Name())
	assert.Equal(t, otelcodes.Ok, batch.Status().Code)
	assert.Equal(t, "3", batch.Attributes()[0].Value.AsString())
	require.Len(t, batch.Events(), 1)
	for _, child := range ended[:3] {
		assert.Equal(t, batch.SpanContext().SpanID(), child.Parent().SpanID())
	}
}
