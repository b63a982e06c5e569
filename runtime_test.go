package fiber

import (
	"sync/atomic"
	"testing"
	"time"
)

func newTestRuntime(t *testing.T, opts ...RuntimeOption) *Runtime {
	t.Helper()
	rt, err := NewRuntime(append([]RuntimeOption{WithWorkerGroup("default", 4)}, opts...)...)
	if err != nil {
		t.Fatalf("NewRuntime() error: %v", err)
	}
	t.Cleanup(rt.Stop)
	return rt
}

func TestRuntimeSpawnAndJoinCompletes(t *testing.T) {
	rt := newTestRuntime(t)
	g := rt.groups[0]

	var ran atomic.Bool
	id := g.runtime.spawn(func(f *Fiber) {
		ran.Store(true)
	}, Attrs{}, nil)

	if err := g.Join(id, time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if !ran.Load() {
		t.Fatal("fiber entry never ran")
	}
}

func TestRuntimeFiberYieldsCooperatively(t *testing.T) {
	rt := newTestRuntime(t)
	g := rt.groups[0]

	var steps atomic.Int32
	id := g.runtime.spawn(func(f *Fiber) {
		for i := 0; i < 5; i++ {
			steps.Add(1)
			f.Yield()
		}
	}, Attrs{}, nil)

	if err := g.Join(id, time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if got := steps.Load(); got != 5 {
		t.Fatalf("steps = %d, want 5", got)
	}
}

func TestRuntimeFiberSleepsAndResumes(t *testing.T) {
	rt := newTestRuntime(t)
	g := rt.groups[0]

	start := time.Now()
	var woke time.Time
	done := make(chan struct{})
	id := g.runtime.spawn(func(f *Fiber) {
		f.SleepFor(50 * time.Millisecond)
		woke = time.Now()
		close(done)
	}, Attrs{}, nil)
	_ = id

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeping fiber never resumed")
	}
	if woke.Sub(start) < 40*time.Millisecond {
		t.Fatalf("fiber resumed after %v, want >= ~50ms", woke.Sub(start))
	}
}

func TestRuntimeManyFibersAllComplete(t *testing.T) {
	rt := newTestRuntime(t)
	g := rt.groups[0]

	const n = 500
	var completed atomic.Int64
	ids := make([]TaskID, n)
	for i := 0; i < n; i++ {
		ids[i] = g.runtime.spawn(func(f *Fiber) {
			f.Yield()
			completed.Add(1)
		}, Attrs{}, nil)
	}
	for _, id := range ids {
		if err := g.Join(id, time.Now().Add(5*time.Second)); err != nil {
			t.Fatalf("Join() error: %v", err)
		}
	}
	if got := completed.Load(); got != n {
		t.Fatalf("completed = %d, want %d", got, n)
	}
}

func TestRuntimeDetachedTaskJoinIsInvalid(t *testing.T) {
	rt := newTestRuntime(t)
	g := rt.groups[0]

	done := make(chan struct{})
	id := g.runtime.spawn(func(f *Fiber) { close(done) }, Attrs{Detached: true}, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detached fiber never ran")
	}
	time.Sleep(20 * time.Millisecond) // let finishTask release the slot

	if err := g.Join(id, time.Now().Add(time.Second)); err != ErrInvalidID {
		t.Fatalf("Join() on detached task = %v, want ErrInvalidID", err)
	}
}

func TestRuntimeAffinitySystemWithoutSystemGroupErrors(t *testing.T) {
	rt := newTestRuntime(t)
	if _, err := rt.pickGroup(Attrs{Affinity: AffinitySystem}, nil); err == nil {
		t.Fatal("pickGroup(AffinitySystem) with no system group configured = nil error, want an error")
	}
}

func TestRuntimeSystemGroupRouting(t *testing.T) {
	rt, err := NewRuntime(
		WithWorkerGroup("default", 2),
		WithSystemGroup("sys", 1),
	)
	if err != nil {
		t.Fatalf("NewRuntime() error: %v", err)
	}
	defer rt.Stop()

	g, err := rt.pickGroup(Attrs{Affinity: AffinitySystem}, nil)
	if err != nil {
		t.Fatalf("pickGroup() error: %v", err)
	}
	if g != rt.systemGroup {
		t.Fatal("pickGroup(AffinitySystem) did not return the configured system group")
	}
}

func TestPackageLevelSpawnUsesDefaultRuntime(t *testing.T) {
	rt := newTestRuntime(t)
	prev := DefaultRuntime()
	SetDefaultRuntime(rt)
	defer SetDefaultRuntime(prev)

	done := make(chan struct{})
	id := Spawn(func(f *Fiber) { close(done) }, Attrs{})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("package-level Spawn's fiber never ran")
	}
	if err := Join(id, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("package-level Join() error: %v", err)
	}
}
