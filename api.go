package fiber

import (
	"sync/atomic"
	"time"
)

// defaultRuntime backs the package-level free functions (Spawn, Join, Yield,
// SleepFor/SleepUntil): most embedding processes want exactly one Runtime,
// and threading an explicit *Runtime through every call site that only ever
// uses the one instance is pure ceremony. Multi-runtime processes (mainly
// tests) can still construct additional *Runtime values directly and call
// their methods instead of the package functions.
var defaultRuntime atomic.Pointer[Runtime]

// SetDefaultRuntime installs rt as the target of the package-level free
// functions. NewRuntime calls this automatically for the first Runtime
// constructed in a process; call it explicitly to override that, or to
// switch runtimes between test cases.
func SetDefaultRuntime(rt *Runtime) {
	defaultRuntime.Store(rt)
}

// DefaultRuntime returns the runtime the package-level free functions
// target, or nil if none has been constructed yet.
func DefaultRuntime() *Runtime {
	return defaultRuntime.Load()
}

// Spawn creates a new fiber on the default runtime. Panics if no Runtime has
// been constructed yet, since swallowing the call here would mean silently
// dropping the fiber entirely rather than surfacing a programmer error.
func Spawn(entry Entry, attrs Attrs) TaskID {
	rt := requireDefaultRuntime()
	var spawningGroup *SchedulingGroup
	if f := Current(); f != nil {
		spawningGroup = f.t.group
	}
	return rt.spawn(entry, attrs, spawningGroup)
}

// Join blocks until id terminates or deadline passes (zero for no
// deadline). It looks up id's owning scheduling group via the default
// runtime's task tables.
func Join(id TaskID, deadline time.Time) error {
	rt := requireDefaultRuntime()
	for _, g := range rt.groups {
		if g.tasks.lookup(id) != nil {
			return g.Join(id, deadline)
		}
	}
	return ErrInvalidID
}

// Yield cooperatively suspends the calling fiber. Calling it from outside
// any fiber's Entry is a no-op, since there is no scheduling quantum to give
// back.
func Yield() {
	if f := Current(); f != nil {
		f.Yield()
	}
}

// SleepFor suspends the calling fiber for at least d.
func SleepFor(d time.Duration) {
	if f := Current(); f != nil {
		f.SleepFor(d)
		return
	}
	time.Sleep(d)
}

// SleepUntil suspends the calling fiber until deadline.
func SleepUntil(deadline time.Time) {
	if f := Current(); f != nil {
		f.SleepUntil(deadline)
		return
	}
	time.Sleep(time.Until(deadline))
}

func requireDefaultRuntime() *Runtime {
	rt := defaultRuntime.Load()
	if rt == nil {
		panic("fiber: no default Runtime constructed (call NewRuntime first)")
	}
	return rt
}
