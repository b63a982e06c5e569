package fiber

import (
	"testing"
	"time"
)

func TestSchedulingGroupLocalStaysOnOriginWorker(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerGroup("pinned", 8))
	g := rt.groups[len(rt.groups)-1]

	const yields = 50
	seen := make(map[int32]struct{})
	done := make(chan struct{})
	var id TaskID
	id = g.runtime.spawn(func(f *Fiber) {
		for i := 0; i < yields; i++ {
			seen[f.t.lastWorker.Load()] = struct{}{}
			f.Yield()
		}
		close(done)
	}, Attrs{SchedulingGroupLocal: true}, nil)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pinned fiber never completed")
	}
	if err := g.Join(id, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("pinned fiber observed %d distinct workers across %d yields, want 1: %v", len(seen), yields, seen)
	}
}

func TestSchedulingGroupLocalNeverStolen(t *testing.T) {
	rt := newTestRuntime(t, WithWorkerGroup("pinned", 4))
	g := rt.groups[len(rt.groups)-1]

	var id TaskID
	var stolen uint32
	done := make(chan struct{})
	id = g.runtime.spawn(func(f *Fiber) {
		stolen = f.t.stolen.Load()
		close(done)
	}, Attrs{SchedulingGroupLocal: true}, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pinned fiber never ran")
	}
	if stolen != 0 {
		t.Fatalf("pinned fiber was stolen %d times, want 0", stolen)
	}
	if err := g.Join(id, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
}
