package fiber

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// timerState is the CAS state machine for one scheduled timer: PENDING ->
// CANCELED (Cancel won) or -> FIRED (the wheel won). Exactly one of those
// two transitions can ever succeed: advance and Cancel both make their
// transition while holding timerWheel.mu (see casUint32), which is what
// makes Cancel's {OK, ALREADY_FIRED} outcome race-free.
type timerState uint32

const (
	timerPending timerState = iota
	timerFired
	timerCanceled
)

// TimerID is a version-tagged handle, same ABA-safety scheme as TaskID.
type TimerID uint64

func newTimerID(version, slot uint32) TimerID {
	return TimerID(uint64(version)<<32 | uint64(slot))
}
func (id TimerID) slot() uint32    { return uint32(id) }
func (id TimerID) version() uint32 { return uint32(id >> 32) }

type timerEntry struct {
	id       TimerID
	deadline time.Time
	seq      uint64 // admission order, breaks deadline ties FIFO
	fire     func()
	state    atomic32
	version  uint32
}

// atomic32 is a tiny local alias for a plain uint32 state cell. Despite the
// name it is not accessed atomically: every read and write of it goes
// through casUint32 or a plain load while the owning lock (timerWheel.mu or
// ExecutionQueue.mu) is held.
type atomic32 = uint32Cas

// timerWheel is a near-wheel plus cascading overflow heap: slots within
// wheelSpan ticks of "now" live directly in the wheel's bucket array (O(1)
// insert/expire); anything further out is held in a container/heap min-heap
// and cascaded into the wheel bucket array once its deadline comes within
// wheelLen ticks of the current tick. This gives O(1) amortized insert and expire while still
// supporting timers scheduled arbitrarily far in the future, which a
// fixed-depth wheel alone cannot.
type timerWheel struct {
	mu       sync.Mutex
	tick     time.Duration
	start    time.Time
	curTick  uint64
	wheelLen int
	buckets  []map[TimerID]*timerEntry
	overflow timerHeap
	table    *timerTable
	seqCtr   uint64
}

const defaultWheelLen = 512

func newTimerWheel(tick time.Duration, start time.Time) *timerWheel {
	w := &timerWheel{
		tick:     tick,
		start:    start,
		wheelLen: defaultWheelLen,
		table:    newTimerTable(),
	}
	w.buckets = make([]map[TimerID]*timerEntry, w.wheelLen)
	for i := range w.buckets {
		w.buckets[i] = make(map[TimerID]*timerEntry)
	}
	return w
}

// timerHeap is a min-heap of timerEntry ordered by (deadline, seq):
// deadline-then-admission-order, so ties resolve FIFO.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// timerTable is a version-tagged slot table for TimerIDs, identical in shape
// to taskTable; kept as a separate type (rather than reusing taskTable
// generically, which Go's lack of type erasure over *task makes awkward
// without generics overhead here) since a timer's payload is a *timerEntry,
// not a *task.
type timerTable struct {
	mu       sync.Mutex
	slots    []*timerEntry
	versions []uint32
	free     []uint32
}

func newTimerTable() *timerTable { return &timerTable{} }

func (t *timerTable) acquire() (slot, version uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		slot = uint32(len(t.slots))
		t.slots = append(t.slots, nil)
		t.versions = append(t.versions, 0)
	}
	t.versions[slot]++
	return slot, t.versions[slot]
}

func (t *timerTable) store(slot uint32, e *timerEntry) {
	t.mu.Lock()
	t.slots[slot] = e
	t.mu.Unlock()
}

func (t *timerTable) lookup(id TimerID) *timerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := id.slot()
	if int(slot) >= len(t.slots) || t.versions[slot] != id.version() {
		return nil
	}
	return t.slots[slot]
}

func (t *timerTable) release(slot uint32) {
	t.mu.Lock()
	t.slots[slot] = nil
	t.free = append(t.free, slot)
	t.mu.Unlock()
}

func (w *timerWheel) tickIndexFor(deadline time.Time) (tickNum uint64, inWheel bool) {
	tickNum = uint64(deadline.Sub(w.start) / w.tick)
	return tickNum, tickNum < w.curTick+uint64(w.wheelLen)
}

// Add schedules fire to run at deadline, returning a handle usable with
// Cancel. fire is invoked by (*timerWheel).advance on the timer-service
// goroutine, never on the goroutine that called Add. SleepUntil and the
// sync primitives' deadlines pass a closure that only re-enqueues a task;
// a callback passed to Fiber.AddTimer runs there as given.
func (w *timerWheel) Add(deadline time.Time, fire func()) TimerID {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot, version := w.table.acquire()
	w.seqCtr++
	e := &timerEntry{
		deadline: deadline,
		seq:      w.seqCtr,
		fire:     fire,
		version:  version,
	}
	e.id = newTimerID(version, slot)
	w.table.store(slot, e)

	if tickNum, inWheel := w.tickIndexFor(deadline); inWheel {
		idx := int(tickNum % uint64(w.wheelLen))
		w.buckets[idx][e.id] = e
	} else {
		heap.Push(&w.overflow, e)
	}
	return e.id
}

// Cancel attempts to stop a pending timer before it fires.
func (w *timerWheel) Cancel(id TimerID) CancelOutcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.table.lookup(id)
	if e == nil {
		return CancelAlreadyCanceled
	}
	if !casUint32(&e.state, uint32(timerPending), uint32(timerCanceled)) {
		if e.state == uint32(timerFired) {
			return CancelAlreadyFired
		}
		return CancelAlreadyCanceled
	}

	if tickNum, inWheel := w.tickIndexFor(e.deadline); inWheel {
		idx := int(tickNum % uint64(w.wheelLen))
		delete(w.buckets[idx], id)
	} else {
		for i, cand := range w.overflow {
			if cand.id == id {
				heap.Remove(&w.overflow, i)
				break
			}
		}
	}
	w.table.release(id.slot())
	return CancelOK
}

// advance runs every fired timer whose tick has arrived between the last
// call and now, cascading overflow entries into the wheel as their deadline
// comes within wheelLen ticks. The caller (a scheduling group's dedicated
// timer-service worker) is responsible for calling this on its own cadence
// (WithTimerTick); advance itself performs no sleeping.
//
// Within one tick, entries fire in (deadline, seq) order. Each fire callback
// runs synchronously on the calling goroutine with w.mu released, so a
// callback that blocks delays every timer due after it in this group.
func (w *timerWheel) advance(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	target := uint64(now.Sub(w.start) / w.tick)
	for w.curTick <= target {
		idx := int(w.curTick % uint64(w.wheelLen))
		bucket := w.buckets[idx]
		due := make(timerHeap, 0, len(bucket))
		for _, e := range bucket {
			due = append(due, e)
		}
		sort.Sort(due)
		for _, e := range due {
			id := e.id
			if !casUint32(&e.state, uint32(timerPending), uint32(timerFired)) {
				delete(bucket, id)
				continue
			}
			delete(bucket, id)
			w.table.release(id.slot())
			// The fired entry stays visible under its id until the slot is
			// reused, so a late Cancel reports CancelAlreadyFired.
			w.table.store(id.slot(), e)
			fire := e.fire
			w.mu.Unlock()
			fire()
			w.mu.Lock()
		}

		// Cascade: move any overflow entries that now fall within the wheel's
		// span into their bucket.
		for len(w.overflow) > 0 {
			top := w.overflow[0]
			tickNum, inWheel := w.tickIndexFor(top.deadline)
			if !inWheel {
				break
			}
			heap.Pop(&w.overflow)
			bIdx := int(tickNum % uint64(w.wheelLen))
			w.buckets[bIdx][top.id] = top
		}

		w.curTick++
	}
}

// casUint32 gives advance/Cancel a single two-outcome check ("was it still
// pending, or did the other side already win") without a second state read;
// actual exclusion between advance and Cancel comes from timerWheel.mu,
// which both hold for the whole of their respective state transitions.
func casUint32(addr *uint32, old, new uint32) bool {
	if *addr != old {
		return false
	}
	*addr = new
	return true
}

type uint32Cas = uint32
