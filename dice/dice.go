// Package dice rolls uniformly distributed dice and reports every roll
// through OpenTelemetry.
package dice

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/philBram/grafana-test/logger"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	name    = "dice-lib"
	version = "1.0"
)

// Roller produces dice rolls. The zero value is not usable, use NewRoller.
type Roller struct {
	tracer  trace.Tracer
	counter metric.Int64Counter
	random  func() float64
}

type Option func(*Roller)

// WithRandom replaces the random source. f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(r *Roller) { r.random = f }
}

func NewRoller(mp metric.MeterProvider, tp trace.TracerProvider, opts ...Option) (*Roller, error) {
	meter := mp.Meter(name, metric.WithInstrumentationVersion(version))
	counter, err := meter.Int64Counter("diceLib.rolls.counter",
		metric.WithDescription("Number of individual dice rolled"),
		metric.WithUnit("{roll}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create roll counter: %w", err)
	}

	r := &Roller{
		tracer:  tp.Tracer(name, trace.WithInstrumentationVersion(version)),
		counter: counter,
		random:  rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Roll returns count values uniformly distributed in [min, max]. A count of
// zero or less yields an empty slice.
func (r *Roller) Roll(ctx context.Context, count, min, max int) []int {
	ctx, span := r.tracer.Start(ctx, "rollTheDice",
		trace.WithAttributes(attribute.String("dicelib.rolls", strconv.Itoa(count))))
	defer span.End()

	results := make([]int, 0, preallocate(count))
	for i := 0; i < count; i++ {
		results = append(results, r.rollOnce(ctx, i, min, max))
		r.counter.Add(ctx, 1)
	}

	logger.FromCtx(ctx).Info(fmt.Sprintf("Incremented counter for dice rolls by: %d", count),
		zap.Int("rolls", count))

	span.AddEvent("dice rolled", trace.WithAttributes(attribute.String("log.severity", "info")))
	span.SetStatus(otelcodes.Ok, "dice rolled successfully")
	return results
}

func (r *Roller) rollOnce(ctx context.Context, i, min, max int) int {
	_, span := r.tracer.Start(ctx, fmt.Sprintf("rollDice: %d", i))
	defer span.End()

	result := int(math.Floor(r.random()*float64(max-min+1) + float64(min)))
	span.SetAttributes(attribute.String("dicelib.rolled", strconv.Itoa(result)))
	return result
}

// preallocate bounds the initial capacity so a huge count grows the slice
// gradually instead of reserving everything up front.
func preallocate(count int) int {
	const limit = 1024
	switch {
	case count <= 0:
		return 0
	case count > limit:
		return limit
	default:
		return count
	}
}
