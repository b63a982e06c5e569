package fiber

import (
	"sync"
	"sync/atomic"
	"time"
)

// GroupMetrics tracks per-SchedulingGroup statistics, enabled via
// WithMetrics: a P-Square percentile estimator for scheduling latency,
// exponential-moving-average queue depth tracking, and simple event
// counters.
type GroupMetrics struct {
	latencyMu sync.Mutex
	latency   *pSquareMultiQuantile

	queueMu          sync.RWMutex
	readyDepthEMA    float64
	readyDepthInited bool
	overflowDepthEMA float64
	overflowInited   bool

	completed atomic.Uint64
	stolen    atomic.Uint64
	parked    atomic.Uint64
}

func newGroupMetrics() *GroupMetrics {
	return &GroupMetrics{
		latency: newPSquareMultiQuantile(0.50, 0.90, 0.95, 0.99),
	}
}

// recordSchedulingLatency records one run quantum as runTaskOnWorker
// measures it: from starting or resuming a task until it yields, suspends
// or finishes. Time the task spent waiting in a ready queue before that is
// not included.
func (m *GroupMetrics) recordSchedulingLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latencyMu.Lock()
	m.latency.Update(float64(d))
	m.latencyMu.Unlock()
}

func (m *GroupMetrics) recordCompleted() {
	if m == nil {
		return
	}
	m.completed.Add(1)
}

func (m *GroupMetrics) recordStolen() {
	if m == nil {
		return
	}
	m.stolen.Add(1)
}

func (m *GroupMetrics) recordParked() {
	if m == nil {
		return
	}
	m.parked.Add(1)
}

func (m *GroupMetrics) updateQueueDepth(readyDepth, overflowDepth int) {
	if m == nil {
		return
	}
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if !m.readyDepthInited {
		m.readyDepthEMA = float64(readyDepth)
		m.readyDepthInited = true
	} else {
		m.readyDepthEMA = 0.9*m.readyDepthEMA + 0.1*float64(readyDepth)
	}
	if !m.overflowInited {
		m.overflowDepthEMA = float64(overflowDepth)
		m.overflowInited = true
	} else {
		m.overflowDepthEMA = 0.9*m.overflowDepthEMA + 0.1*float64(overflowDepth)
	}
}

// Snapshot is an immutable copy of a GroupMetrics reading, safe to hold
// after the originating group has moved on.
type Snapshot struct {
	SchedulingLatencyP50 time.Duration
	SchedulingLatencyP90 time.Duration
	SchedulingLatencyP99 time.Duration
	SchedulingLatencyMax time.Duration
	TasksCompleted       uint64
	TasksStolen          uint64
	ParkEvents           uint64
	ReadyQueueDepthAvg   float64
	OverflowDepthAvg     float64
}

// Snapshot reads the current metrics. Safe to call concurrently with
// recording; it takes the same latencyMu as recordSchedulingLatency, so it
// briefly contends with the scheduling path's latency Update.
func (m *GroupMetrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.latencyMu.Lock()
	p50 := time.Duration(m.latency.Quantile(0))
	p90 := time.Duration(m.latency.Quantile(1))
	p99 := time.Duration(m.latency.Quantile(3))
	max := time.Duration(m.latency.Max())
	m.latencyMu.Unlock()

	m.queueMu.RLock()
	readyAvg := m.readyDepthEMA
	overflowAvg := m.overflowDepthEMA
	m.queueMu.RUnlock()

	return Snapshot{
		SchedulingLatencyP50: p50,
		SchedulingLatencyP90: p90,
		SchedulingLatencyP99: p99,
		SchedulingLatencyMax: max,
		TasksCompleted:       m.completed.Load(),
		TasksStolen:          m.stolen.Load(),
		ParkEvents:           m.parked.Load(),
		ReadyQueueDepthAvg:   readyAvg,
		OverflowDepthAvg:     overflowAvg,
	}
}

// Metrics returns a snapshot of this group's statistics, or the zero value
// if WithMetrics(true) was never passed to NewRuntime.
func (g *SchedulingGroup) Metrics() Snapshot {
	return g.metrics.Snapshot()
}
