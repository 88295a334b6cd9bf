package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel/metric"
)

type hostGauges struct {
	cpuUtil   metric.Float64ObservableGauge
	cpuUser   metric.Float64ObservableGauge
	cpuSystem metric.Float64ObservableGauge
	rss       metric.Int64ObservableGauge
	heapUsed  metric.Int64ObservableGauge
	heapUtil  metric.Float64ObservableGauge
	external  metric.Int64ObservableGauge
	stack     metric.Int64ObservableGauge
	memTotal  metric.Int64ObservableGauge
	memFree   metric.Int64ObservableGauge
	memUsed   metric.Int64ObservableGauge
	memUtil   metric.Float64ObservableGauge
	load1     metric.Float64ObservableGauge
	cpuCount  metric.Int64ObservableGauge
}

// cpuSampler turns cumulative process CPU time into a utilization fraction
// over the interval since the previous sample.
type cpuSampler struct {
	mu       sync.Mutex
	lastCPU  float64
	lastWall time.Time
}

func (s *cpuSampler) utilization(cpuSeconds float64, now time.Time, cores int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevCPU, prevWall := s.lastCPU, s.lastWall
	s.lastCPU, s.lastWall = cpuSeconds, now

	if prevWall.IsZero() || cores < 1 {
		return 0
	}
	elapsed := now.Sub(prevWall).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return (cpuSeconds - prevCPU) / (elapsed * float64(cores))
}

// RegisterHostMetrics registers process and system gauges on meter. All of
// them are sampled in a single callback on every collection.
func RegisterHostMetrics(meter metric.Meter) (metric.Registration, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own process: %w", err)
	}

	g, err := newHostGauges(meter)
	if err != nil {
		return nil, err
	}

	sampler := &cpuSampler{}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		return g.observe(ctx, o, proc, sampler)
	},
		g.cpuUtil, g.cpuUser, g.cpuSystem,
		g.rss, g.heapUsed, g.heapUtil, g.external, g.stack,
		g.memTotal, g.memFree, g.memUsed, g.memUtil,
		g.load1, g.cpuCount,
	)
}

func newHostGauges(meter metric.Meter) (*hostGauges, error) {
	var (
		g    hostGauges
		errs []error
	)
	f64 := func(name, desc, unit string) metric.Float64ObservableGauge {
		inst, err := meter.Float64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return inst
	}
	i64 := func(name, desc, unit string) metric.Int64ObservableGauge {
		inst, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return inst
	}

	g.cpuUtil = f64("process.cpu.utilization", "Process CPU fraction (0-1)", "1")
	g.cpuUser = f64("process.cpu.time.user", "Cumulative user CPU time", "s")
	g.cpuSystem = f64("process.cpu.time.system", "Cumulative system CPU time", "s")
	g.rss = i64("process.memory.rss.bytes", "Resident Set Size in bytes", "By")
	g.heapUsed = i64("process.memory.heap.used.bytes", "Go heap bytes in use", "By")
	g.heapUtil = f64("process.memory.heap.utilization", "Heap in use / heap obtained from the OS (0-1)", "1")
	g.external = i64("process.memory.external.bytes", "Runtime memory obtained from the OS outside the heap", "By")
	g.stack = i64("process.memory.stack.bytes", "Goroutine stack bytes in use", "By")
	g.memTotal = i64("system.memory.total.bytes", "Total system memory in bytes", "By")
	g.memFree = i64("system.memory.free.bytes", "Free system memory in bytes", "By")
	g.memUsed = i64("system.memory.used.bytes", "Used system memory in bytes (total - free)", "By")
	g.memUtil = f64("system.memory.utilization", "Used system memory fraction (0-1)", "1")
	g.load1 = f64("system.load.1m", "System 1m load average", "1")
	g.cpuCount = i64("system.cpu.count", "Logical CPU count", "{cpu}")

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to create host gauges: %w", err)
	}
	return &g, nil
}

// observe reports every gauge whose source can be read. A failing gopsutil
// call only drops its own gauges.
func (g *hostGauges) observe(ctx context.Context, o metric.Observer, proc *process.Process, sampler *cpuSampler) error {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores < 1 {
		cores = goruntime.NumCPU()
	}
	o.ObserveInt64(g.cpuCount, int64(cores))

	if times, err := proc.TimesWithContext(ctx); err == nil {
		o.ObserveFloat64(g.cpuUser, times.User)
		o.ObserveFloat64(g.cpuSystem, times.System)
		o.ObserveFloat64(g.cpuUtil, sampler.utilization(times.User+times.System, time.Now(), cores))
	}

	if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
		o.ObserveInt64(g.rss, int64(info.RSS))
	}

	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	o.ObserveInt64(g.heapUsed, int64(ms.HeapInuse))
	var heapUtil float64
	if ms.HeapSys > 0 {
		heapUtil = float64(ms.HeapInuse) / float64(ms.HeapSys)
	}
	o.ObserveFloat64(g.heapUtil, heapUtil)
	o.ObserveInt64(g.external, int64(ms.Sys-ms.HeapSys))
	o.ObserveInt64(g.stack, int64(ms.StackInuse))

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		used := vm.Total - vm.Free
		o.ObserveInt64(g.memTotal, int64(vm.Total))
		o.ObserveInt64(g.memFree, int64(vm.Free))
		o.ObserveInt64(g.memUsed, int64(used))
		var util float64
		if vm.Total > 0 {
			util = float64(used) / float64(vm.Total)
		}
		o.ObserveFloat64(g.memUtil, util)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		o.ObserveFloat64(g.load1, avg.Load1)
	}
	return nil
}
