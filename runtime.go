package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Runtime is the process-wide collection of scheduling groups: one or more
// workload groups plus, optionally, one system group. It is the top-level
// object an embedding process constructs once at startup, generalizing a
// single event loop per OS thread into N scheduling groups shared across
// the whole process.
type Runtime struct {
	groups       []*SchedulingGroup
	byName       map[string]*SchedulingGroup
	systemGroup  *SchedulingGroup
	defaultGroup *SchedulingGroup
	sharedStacks *processStackPool

	rrCursor atomic.Uint64 // round-robins AffinityAny across workload groups

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRuntime constructs and starts a Runtime from the given options. Every
// scheduling group named by WithWorkerGroup/WithSystemGroup is started before
// NewRuntime returns, so Spawn is immediately safe to call.
func NewRuntime(opts ...RuntimeOption) (*Runtime, error) {
	o := resolveRuntimeOptions(opts)

	rt := &Runtime{
		byName:       make(map[string]*SchedulingGroup, len(o.groups)),
		sharedStacks: newProcessStackPool(),
	}

	for _, spec := range o.groups {
		if spec.workers <= 0 {
			return nil, wrapf(ErrResourceExhausted, "scheduling group %q requested %d workers", spec.name, spec.workers)
		}
		if _, dup := rt.byName[spec.name]; dup {
			return nil, fmt.Errorf("fiber: duplicate scheduling group name %q", spec.name)
		}
		g := newSchedulingGroup(rt, spec, o, rt.sharedStacks)
		rt.groups = append(rt.groups, g)
		rt.byName[spec.name] = g
		if spec.system && rt.systemGroup == nil {
			rt.systemGroup = g
		}
		if !spec.system && rt.defaultGroup == nil {
			rt.defaultGroup = g
		}
	}
	if rt.defaultGroup == nil {
		rt.defaultGroup = rt.groups[0]
	}

	rt.startOnce.Do(func() {
		for _, g := range rt.groups {
			g.start()
		}
	})

	defaultRuntime.CompareAndSwap(nil, rt)
	return rt, nil
}

// Group looks up a scheduling group by the name it was registered under.
func (rt *Runtime) Group(name string) (*SchedulingGroup, bool) {
	g, ok := rt.byName[name]
	return g, ok
}

// Stop requests every worker in every scheduling group to finish its current
// quantum and exit, then waits for all of them to do so. Fibers still
// pending (ready, suspended, or queued in overflow) are abandoned, not run to
// completion — callers that need graceful drain should Join every
// outstanding non-detached task first.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() {
		for _, g := range rt.groups {
			g.stop()
		}
	})
}

// pickGroup resolves Attrs.Affinity to a concrete scheduling group. Routing
// for AffinityAny is an explicit runtime policy decision rather than a fixed
// rule: round-robin across workload groups, skipping the system group.
func (rt *Runtime) pickGroup(attrs Attrs, spawningGroup *SchedulingGroup) (*SchedulingGroup, error) {
	switch attrs.Affinity {
	case AffinityCurrent:
		if spawningGroup != nil {
			return spawningGroup, nil
		}
		return rt.defaultGroup, nil
	case AffinitySystem:
		if rt.systemGroup == nil {
			return nil, fmt.Errorf("fiber: AffinitySystem requested but no system group configured")
		}
		return rt.systemGroup, nil
	case AffinityAny:
		workload := rt.workloadGroups()
		idx := rt.rrCursor.Add(1) % uint64(len(workload))
		return workload[idx], nil
	default:
		return nil, fmt.Errorf("fiber: unknown affinity %d", attrs.Affinity)
	}
}

func (rt *Runtime) workloadGroups() []*SchedulingGroup {
	if rt.systemGroup == nil {
		return rt.groups
	}
	out := make([]*SchedulingGroup, 0, len(rt.groups)-1)
	for _, g := range rt.groups {
		if g != rt.systemGroup {
			out = append(out, g)
		}
	}
	if len(out) == 0 {
		return rt.groups
	}
	return out
}

// spawn builds a new task and admits it into the resolved scheduling group's
// ready population. spawningGroup is non-nil when called from within a
// running fiber's Entry (AffinityCurrent's fast path), nil when called from
// outside any fiber (e.g. the process-level Spawn free function).
func (rt *Runtime) spawn(entry Entry, attrs Attrs, spawningGroup *SchedulingGroup) TaskID {
	g, err := rt.pickGroup(attrs, spawningGroup)
	if err != nil {
		if spawningGroup != nil {
			g = spawningGroup
		} else {
			g = rt.defaultGroup
		}
	}

	stack, _ := g.stacks.acquire(attrs.StackClass)

	slot, version := g.tasks.acquire()
	t := &task{
		attrs:    attrs,
		stack:    stack,
		group:    g,
		entry:    entry,
		state:    newFastState(stateNew),
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan yieldSignal, 1),
	}
	t.id = newTaskID(version, slot)
	t.lastWorker.Store(-1)
	t.originWorker = -1
	g.tasks.store(slot, t)

	t.state.Store(stateReady)

	var sourceRing *readyRing
	if spawningGroup == g {
		if cur := currentWorker(); cur != nil && cur.group == g {
			sourceRing = cur.ring
		}
	}
	g.enqueue(t, sourceRing)
	return t.id
}

// currentWorker returns the worker goroutine is executing on, found via the
// Fiber registered for the calling goroutine; nil if called from outside any
// fiber. Used only to find the LIFO fast-path ring for same-group spawns.
func currentWorker() *worker {
	f := Current()
	if f == nil {
		return nil
	}
	return f.t.group.ownerOf(f.t)
}

// ownerOf finds the worker that is currently executing t, or nil if t is not
// presently RUNNING. Linear in worker count, which is fine: it only runs on
// the Spawn fast path, once per spawn, against a count bounded by
// GOMAXPROCS-scale worker pools.
func (g *SchedulingGroup) ownerOf(t *task) *worker {
	for _, w := range g.workers {
		if w.current == t {
			return w
		}
	}
	return nil
}
