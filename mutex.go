package fiber

import (
	"sync"
	"time"
)

// waitNode links one blocked party — a suspended fiber, or a plain goroutine
// that called in from outside any fiber — into a primitive's waiter list.
// Exactly one of task/done is ever used to wake a given node, decided once
// at enqueue time by whether Current() found a running fiber.
type waitNode struct {
	task *task
	done chan struct{}
	next *waitNode

	// hasTimer/timerID/timedOut support a deadline on a suspended fiber.
	// Unlike the plain-goroutine path (which just races a local time.Timer
	// against n.done in block), a suspended fiber's trampoline goroutine is
	// blocked on resumeCh, which only the task's own scheduling group can
	// signal — so a deadline has to be expressed as a real timer-wheel entry
	// that re-enqueues the task itself. Exactly one of {wake, the timer
	// firing} may actually perform that re-enqueue; timerWheel.Cancel's
	// {OK, AlreadyFired} split is what arbitrates which one.
	hasTimer bool
	timerID  TimerID
	timedOut bool
}

// wake reschedules a suspended fiber (by re-enqueuing its task, which causes
// runTaskOnWorker to resume it the next time a worker picks it up) or, for a
// plain goroutine, simply closes its done channel. If a deadline timer is
// pending for this node, wake only proceeds if it wins the race to cancel
// it; if the timer already fired, that callback already re-enqueued the
// task, and this call must not do so a second time.
func (n *waitNode) wake() {
	if n.hasTimer && n.task.group.timers.Cancel(n.timerID) != CancelOK {
		return
	}
	if n.task != nil {
		n.task.group.enqueue(n.task, nil)
		return
	}
	close(n.done)
}

// suspendCurrent blocks the calling party until woken, returning the
// waitNode so the caller can remove it again on a timeout path. If called
// from inside a fiber's Entry, this suspends the fiber (freeing its worker
// to run other ready tasks); otherwise it parks the calling goroutine on a
// plain channel.
func suspendCurrent() *waitNode {
	if f := Current(); f != nil {
		n := &waitNode{task: f.t}
		f.t.yieldCh <- yieldSignal{kind: yieldSuspended}
		return n
	}
	return &waitNode{done: make(chan struct{})}
}

// block waits for n to be woken, or for deadline to pass (zero means
// forever). It must be called immediately after suspendCurrent, on the same
// goroutine.
func (n *waitNode) block(deadline time.Time) error {
	if n.task != nil {
		if !deadline.IsZero() {
			n.hasTimer = true
			n.timerID = n.task.group.timers.Add(deadline, func() {
				n.timedOut = true
				n.task.group.enqueue(n.task, nil)
			})
		}
		<-n.task.resumeCh
		if n.hasTimer {
			n.task.group.timers.Cancel(n.timerID) // no-op if it already fired
		}
		if n.timedOut {
			return ErrTimeout
		}
		return nil
	}
	if deadline.IsZero() {
		<-n.done
		return nil
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-n.done:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

const (
	mutexUnlocked = 0
	mutexLocked   = 1
)

// Mutex is a non-recursive mutual-exclusion lock whose blocking path
// suspends the calling fiber rather than its worker goroutine — the key
// difference from sync.Mutex, which would otherwise tie up an entire OS
// thread for the duration of the wait. Every Lock, contended or not, takes
// the short internal sync.Mutex that guards state and the waiter list;
// there is no lock-free CAS fast path.
type Mutex struct {
	mu      sync.Mutex
	state   int32
	waiters *waitNode
	waitTl  *waitNode
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == mutexUnlocked {
		m.state = mutexLocked
		return true
	}
	return false
}

// Lock acquires the mutex, waiting forever if contended.
func (m *Mutex) Lock() error { return m.LockDeadline(time.Time{}) }

// LockDeadline acquires the mutex or returns ErrTimeout once deadline
// passes. A zero deadline means wait forever.
func (m *Mutex) LockDeadline(deadline time.Time) error {
	for {
		m.mu.Lock()
		if m.state == mutexUnlocked {
			m.state = mutexLocked
			m.mu.Unlock()
			return nil
		}
		n := suspendCurrent()
		m.enqueueWaiter(n)
		m.mu.Unlock()

		if err := n.block(deadline); err != nil {
			m.removeWaiter(n)
			return err
		}
	}
}

func (m *Mutex) enqueueWaiter(n *waitNode) {
	if m.waitTl == nil {
		m.waiters, m.waitTl = n, n
		return
	}
	m.waitTl.next = n
	m.waitTl = n
}

func (m *Mutex) removeWaiter(target *waitNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev *waitNode
	for cur := m.waiters; cur != nil; cur = cur.next {
		if cur == target {
			if prev == nil {
				m.waiters = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == m.waitTl {
				m.waitTl = prev
			}
			return
		}
		prev = cur
	}
}

// Unlock releases the mutex, waking one waiter if any are parked. Calling
// Unlock on an already-unlocked Mutex is a caller error, same as
// sync.Mutex; fiberrt does not detect it.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	m.state = mutexUnlocked
	n := m.waiters
	if n != nil {
		m.waiters = n.next
		if m.waiters == nil {
			m.waitTl = nil
		}
	}
	m.mu.Unlock()

	// Wake at most one waiter; it re-checks state under m.mu in
	// LockDeadline's loop and can lose to any other goroutine that happens to
	// call Lock first, same as the wake-one semantics of Go's own runtime
	// mutex slow path.
	if n != nil {
		n.wake()
	}
}
