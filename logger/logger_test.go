package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGet(t *testing.T) {
	logger := Get()
	require.NotNil(t, logger)
	assert.Same(t, logger, Get())
}

func TestFromCtx(t *testing.T) {
	logger := FromCtx(context.Background())
	assert.NotNil(t, logger)
}

func TestWithCtx(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	ctxWithLogger := WithCtx(ctx, logger)

	assert.Same(t, logger, ctxWithLogger.Value(ctxKey{}))
	assert.Equal(t, ctxWithLogger, WithCtx(ctxWithLogger, logger))
	assert.Same(t, logger, FromCtx(ctxWithLogger))
}

func TestFromCtxAddsSpanIDs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(WithCtx(context.Background(), zap.New(core)), sc)

	FromCtx(ctx).Info("rolled")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, sc.TraceID().String(), fields["trace_id"])
	assert.Equal(t, sc.SpanID().String(), fields["span_id"])
}

func TestTee(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := Tee(core)
	t.Cleanup(func() { Tee() })

	l.Warn("teed", zap.Int("rolls", 2))

	require.Equal(t, 1, logs.FilterMessage("teed").Len())
	entry := logs.All()[0]
	assert.Equal(t, appName, entry.ContextMap()["app"])
	assert.Equal(t, int64(2), entry.ContextMap()["rolls"])
}

func TestSetLevel(t *testing.T) {
	Get()
	prev := level.Level()
	t.Cleanup(func() { level.SetLevel(prev) })

	require.NoError(t, SetLevel("warn"))
	assert.Equal(t, zapcore.WarnLevel, level.Level())
	assert.False(t, Get().Core().Enabled(zapcore.InfoLevel))

	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, zapcore.WarnLevel, level.Level())
}

func TestTeeFollowsLevel(t *testing.T) {
	Get()
	prev := level.Level()
	t.Cleanup(func() { level.SetLevel(prev) })
	require.NoError(t, SetLevel("info"))

	core, logs := observer.New(zapcore.DebugLevel)
	l := Tee(core)
	t.Cleanup(func() { Tee() })

	l.Debug("rolldice response")
	l.Info("rolled")
	assert.Equal(t, 0, logs.FilterMessage("rolldice response").Len())
	assert.Equal(t, 1, logs.FilterMessage("rolled").Len())

	require.NoError(t, SetLevel("debug"))
	l.Debug("rolldice response")
	assert.Equal(t, 1, logs.FilterMessage("rolldice response").Len())
}
