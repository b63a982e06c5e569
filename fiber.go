package fiber

import (
	"runtime"
	"sync"
	"time"

	"github.com/nodestack/fiberrt/internal/futex"
)

// Fiber is the handle a running Entry uses to interact with its own
// scheduling state: yielding, sleeping, reading its id, and fiber-local
// storage. It is only valid for the lifetime of one Entry invocation.
type Fiber struct {
	t *task
}

// ID returns this fiber's TaskID.
func (f *Fiber) ID() TaskID { return f.t.id }

// Group returns the scheduling group this fiber is running in.
func (f *Fiber) Group() *SchedulingGroup { return f.t.group }

// StopRequested reports whether a cooperative stop was requested; entry
// bodies doing long-running loops should check this between iterations and
// return early rather than being forcibly killed, since this runtime — like
// Go itself — has no mechanism to preempt a goroutine that never yields.
// Nothing in this package sets the stop flag, so StopRequested reports
// false.
func (f *Fiber) StopRequested() bool { return f.t.stopReq.Load() }

// SetLocal stores a fiber-local value, with an optional destructor invoked
// on termination. Destructors run in reverse slot order (highest LocalKey
// first); the order in which keys were set is not tracked.
func (f *Fiber) SetLocal(key LocalKey, value any, destroy func(any)) {
	f.t.SetLocal(key, value, destroy)
}

// GetLocal retrieves a fiber-local value previously set with SetLocal.
func (f *Fiber) GetLocal(key LocalKey) (any, bool) { return f.t.GetLocal(key) }

// Yield cooperatively suspends the fiber, returning control to its worker so
// other ready work can run, and is rescheduled as soon as a worker has a
// free slot. There is no preemption: a fiber that never calls Yield,
// SleepFor/SleepUntil, or blocks on a sync primitive will monopolize its
// worker forever, exactly as cooperative fibers always have.
func (f *Fiber) Yield() {
	f.t.yieldCh <- yieldSignal{kind: yieldCooperative}
	<-f.t.resumeCh
}

// SleepFor suspends the fiber for at least d, then reschedules it as READY.
func (f *Fiber) SleepFor(d time.Duration) {
	f.SleepUntil(time.Now().Add(d))
}

// SleepUntil suspends the fiber until deadline, then reschedules it as
// READY onto its group. The timer fire callback always re-enqueues rather
// than resuming the fiber inline from the timer-service goroutine — see
// timerwheel.go's comment on (*timerWheel).advance for why.
func (f *Fiber) SleepUntil(deadline time.Time) {
	t := f.t
	t.group.timers.Add(deadline, func() {
		t.group.enqueue(t, nil)
	})
	t.yieldCh <- yieldSignal{kind: yieldSuspended}
	<-t.resumeCh
}

// AddTimer schedules fire to run on the fiber's group's timer-service
// goroutine at deadline, returning a TimerID that CancelTimer accepts. Unlike
// SleepUntil, fire runs inline on the timer-service goroutine rather than
// being re-enqueued as a fiber resumption — see timerwheel.go's comment on
// (*timerWheel).advance for the constraints that implies (fire must not
// block, and should hand heavier work off rather than run it directly).
func (f *Fiber) AddTimer(deadline time.Time, fire func()) TimerID {
	return f.t.group.timers.Add(deadline, fire)
}

// CancelTimer cancels a timer previously scheduled with AddTimer.
func (f *Fiber) CancelTimer(id TimerID) CancelOutcome {
	return f.t.group.timers.Cancel(id)
}

// Spawn creates a new fiber running entry, returning its TaskID. Called
// from within a running Entry, this targets the calling fiber's own group
// under AffinityCurrent (the default); spawn-time group selection is one of
// the runtime's few policy decisions, resolved here by (*Runtime).pickGroup.
func (f *Fiber) Spawn(entry Entry, attrs Attrs) TaskID {
	return f.t.group.runtime.spawn(entry, attrs, f.t.group)
}

// runTaskOnWorker drives one task through exactly one scheduling quantum: if
// this is the task's first run, its trampoline goroutine is started; if it
// was previously suspended at a Yield/Sleep/primitive wait point, this
// resumes it. Either way, runTaskOnWorker blocks until the task yields
// control back (cooperatively, by suspending on a primitive, or by
// terminating) and handles the corresponding bookkeeping.
//
// The trampoline goroutine is fiberrt's substitute for a true stack-switch
// context swap: Go gives no portable way to swap a goroutine's stack out
// from under it, so each task's body instead runs on its own real goroutine,
// permanently parked on a channel rendezvous with whichever worker goroutine
// is currently "running" it. The worker's ready-queue, stealing, and parking
// logic is what actually decides execution order; the channel handoff only
// ever blocks/unblocks the one goroutine it owns.
func runTaskOnWorker(t *task, w *worker) {
	start := time.Now()

	if !t.goroutineAlive {
		t.goroutineAlive = true
		t.state.Store(stateRunning)
		go trampoline(t)
	} else {
		t.state.Store(stateRunning)
		t.resumeCh <- struct{}{}
	}

	sig := <-t.yieldCh
	w.group.metrics.recordSchedulingLatency(time.Since(start))

	switch sig.kind {
	case yieldCooperative:
		t.state.Store(stateReady)
		if t.attrs.SchedulingGroupLocal || !w.ring.pushBottom(t) {
			w.group.enqueue(t, nil)
		}
	case yieldSuspended:
		t.state.Store(stateSuspended)
		// Whatever suspended this task (a timer, a mutex, a cond, a
		// countdown latch) is responsible for calling group.enqueue once
		// the wait condition is satisfied; runTaskOnWorker does nothing
		// further here.
	case yieldDone:
		finishTask(t)
	}
}

func trampoline(t *task) {
	f := &Fiber{t: t}
	registerCurrentFiber(f)
	defer unregisterCurrentFiber()
	defer func() {
		if r := recover(); r != nil {
			t.panicVal = r
			t.yieldCh <- yieldSignal{kind: yieldDone}
		}
	}()
	t.entry(f)
	t.yieldCh <- yieldSignal{kind: yieldDone}
}

// finishTask runs the termination path: local-storage destructors in
// reverse slot order, state transition to DONE, stack release, join-waiter
// wakeup, and — if Detached — immediate slot reclamation.
func finishTask(t *task) {
	t.runDestructors()
	t.state.Store(stateDone)
	t.group.stacks.release(t.stack)
	t.join.Add(1)
	t.join.WakeAll()
	t.group.metrics.recordCompleted()

	if t.attrs.Detached {
		t.group.tasks.release(t.id.Slot())
	}

	if t.panicVal != nil {
		t.group.logger.Log(LevelError, "task", "fiber entry panicked",
			F("task_id", t.id), F("panic", t.panicVal))
	}
}

// Join blocks until the task identified by id terminates, or deadline
// (zero for no deadline) passes. A fiber joining itself gets
// ErrWouldDeadlock. It is safe to call from any goroutine,
// including from within another fiber's Entry — Join parks the calling
// goroutine directly rather than going through the trampoline/yield
// machinery, since the caller may not be a fiber at all.
func (g *SchedulingGroup) Join(id TaskID, deadline time.Time) error {
	t := g.tasks.lookup(id)
	if t == nil {
		return ErrInvalidID
	}
	if f := Current(); f != nil && f.t == t {
		return ErrWouldDeadlock
	}
	for t.state.Load() != stateDone {
		epoch := t.join.Load()
		if t.state.Load() == stateDone {
			break
		}
		if res := t.join.Wait(epoch, deadline); res == futex.TimedOut {
			return ErrTimeout
		}
	}
	if t.attrs.Detached {
		return ErrInvalidID
	}
	g.tasks.release(id.Slot())
	return nil
}

// goroutineRegistry maps a real goroutine id to the *Fiber currently running
// on it, letting Current() work without threading a Fiber pointer through
// every call in a deep stack. Generalizes tracking a single loop goroutine's
// id to a process-wide table, since fiberrt has many concurrently-running
// trampoline goroutines rather than one loop goroutine.
var goroutineRegistry sync.Map // map[uint64]*Fiber

func registerCurrentFiber(f *Fiber) {
	goroutineRegistry.Store(currentGoroutineID(), f)
}

func unregisterCurrentFiber() {
	goroutineRegistry.Delete(currentGoroutineID())
}

// Current returns the Fiber running on the calling goroutine, or nil if the
// caller is not executing inside a fiber's Entry.
func Current() *Fiber {
	v, ok := goroutineRegistry.Load(currentGoroutineID())
	if !ok {
		return nil
	}
	return v.(*Fiber)
}

// currentGoroutineID parses "goroutine NNN [...]" out of a runtime.Stack
// dump of the calling goroutine, since Go still exposes no supported API
// for reading a goroutine's id.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
