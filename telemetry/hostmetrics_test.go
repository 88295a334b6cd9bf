package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRegisterHostMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	reg, err := RegisterHostMetrics(mp.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Unregister() })

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	got := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			got[m.Name] = m.Data
		}
	}

	for _, name := range []string{
		"process.cpu.utilization",
		"process.cpu.time.user",
		"process.cpu.time.system",
		"process.memory.rss.bytes",
		"process.memory.heap.used.bytes",
		"process.memory.heap.utilization",
		"process.memory.external.bytes",
		"process.memory.stack.bytes",
		"system.memory.total.bytes",
		"system.memory.free.bytes",
		"system.memory.used.bytes",
		"system.memory.utilization",
		"system.load.1m",
		"system.cpu.count",
	} {
		assert.Contains(t, got, name)
	}

	int64Value := func(name string) int64 {
		t.Helper()
		g, ok := got[name].(metricdata.Gauge[int64])
		require.True(t, ok, name)
		require.Len(t, g.DataPoints, 1, name)
		return g.DataPoints[0].Value
	}
	float64Value := func(name string) float64 {
		t.Helper()
		g, ok := got[name].(metricdata.Gauge[float64])
		require.True(t, ok, name)
		require.Len(t, g.DataPoints, 1, name)
		return g.DataPoints[0].Value
	}

	assert.Positive(t, int64Value("system.cpu.count"))
	assert.Positive(t, int64Value("process.memory.rss.bytes"))
	assert.GreaterOrEqual(t, float64Value("process.cpu.time.user"), 0.0)
	assert.GreaterOrEqual(t, float64Value("process.cpu.time.system"), 0.0)
	assert.GreaterOrEqual(t, float64Value("system.load.1m"), 0.0)
	assert.Zero(t, float64Value("process.cpu.utilization"))

	heapUtil := float64Value("process.memory.heap.utilization")
	assert.GreaterOrEqual(t, heapUtil, 0.0)
	assert.LessOrEqual(t, heapUtil, 1.0)

	total := int64Value("system.memory.total.bytes")
	free := int64Value("system.memory.free.bytes")
	used := int64Value("system.memory.used.bytes")
	assert.Positive(t, total)
	assert.Equal(t, total-free, used)
	assert.InDelta(t, float64(used)/float64(total), float64Value("system.memory.utilization"), 1e-9)
}

func TestCPUSamplerUtilization(t *testing.T) {
	s := &cpuSampler{}
	start := time.Unix(1000, 0)

	assert.Zero(t, s.utilization(10, start, 4))
	assert.InDelta(t, 0.5, s.utilization(12, start.Add(time.Second), 4), 1e-9)
	assert.InDelta(t, 0.0, s.utilization(12, start.Add(2*time.Second), 4), 1e-9)
	assert.Zero(t, s.utilization(13, start.Add(2*time.Second), 4))
	assert.Zero(t, s.utilization(14, start.Add(3*time.Second), 0))
}
