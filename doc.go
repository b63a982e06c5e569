// Package fiber implements an M:N cooperative fiber scheduler: many
// lightweight, cooperatively-scheduled fibers multiplexed across a fixed
// pool of worker goroutines per scheduling group, with work-stealing ready
// queues, a futex-style parking word for blocking/waking workers, a
// hierarchical timer wheel for sleeps and deadlines, an MPSC execution
// queue for batched submission, and the sync primitives (Mutex, Cond,
// CountdownLatch) a fiber needs that suspend only itself rather than its
// whole OS thread.
//
// A Runtime owns one or more SchedulingGroups; fibers are created with
// Spawn (or (*Fiber).Spawn, from within a running fiber) and interact with
// their own scheduling via the *Fiber handle passed to their Entry.
package fiber
