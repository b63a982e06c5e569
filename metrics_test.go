package fiber

import (
	"testing"
	"time"
)

func TestGroupMetricsSnapshotReflectsCounters(t *testing.T) {
	m := newGroupMetrics()
	m.recordCompleted()
	m.recordCompleted()
	m.recordStolen()
	m.recordParked()
	m.recordSchedulingLatency(5 * time.Millisecond)
	m.recordSchedulingLatency(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.TasksCompleted != 2 {
		t.Fatalf("TasksCompleted = %d, want 2", snap.TasksCompleted)
	}
	if snap.TasksStolen != 1 {
		t.Fatalf("TasksStolen = %d, want 1", snap.TasksStolen)
	}
	if snap.ParkEvents != 1 {
		t.Fatalf("ParkEvents = %d, want 1", snap.ParkEvents)
	}
	if snap.SchedulingLatencyMax < 9*time.Millisecond {
		t.Fatalf("SchedulingLatencyMax = %v, want >= ~10ms", snap.SchedulingLatencyMax)
	}
}

func TestNilGroupMetricsIsSafe(t *testing.T) {
	var m *GroupMetrics
	m.recordCompleted()
	m.recordStolen()
	m.recordParked()
	m.recordSchedulingLatency(time.Millisecond)
	m.updateQueueDepth(1, 2)

	if snap := m.Snapshot(); snap != (Snapshot{}) {
		t.Fatalf("Snapshot() on nil *GroupMetrics = %+v, want zero value", snap)
	}
}

func TestGroupMetricsDisabledByDefault(t *testing.T) {
	rt, err := NewRuntime(WithWorkerGroup("default", 1))
	if err != nil {
		t.Fatalf("NewRuntime() error: %v", err)
	}
	defer rt.Stop()

	if rt.groups[0].metrics != nil {
		t.Fatal("metrics enabled without WithMetrics(true)")
	}
	if snap := rt.groups[0].Metrics(); snap != (Snapshot{}) {
		t.Fatalf("Metrics() with metrics disabled = %+v, want zero value", snap)
	}
}

func TestGroupMetricsEnabledViaOption(t *testing.T) {
	rt, err := NewRuntime(WithWorkerGroup("default", 1), WithMetrics(true))
	if err != nil {
		t.Fatalf("NewRuntime() error: %v", err)
	}
	defer rt.Stop()

	if rt.groups[0].metrics == nil {
		t.Fatal("WithMetrics(true) did not enable metrics")
	}
}
