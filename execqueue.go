package fiber

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodestack/fiberrt/internal/futex"
)

const queueChunkSize = 128

type queueChunk struct {
	entries [queueChunkSize]*queueEntry
	next    *queueChunk
	readPos int
	pos     int
}

var queueChunkPool = sync.Pool{New: func() any { return &queueChunk{} }}

func newQueueChunk() *queueChunk {
	c := queueChunkPool.Get().(*queueChunk)
	c.pos, c.readPos, c.next = 0, 0, nil
	return c
}

func returnQueueChunk(c *queueChunk) {
	for i := 0; i < c.pos; i++ {
		c.entries[i] = nil
	}
	c.pos, c.readPos, c.next = 0, 0, nil
	queueChunkPool.Put(c)
}

// QueueHandle identifies one admitted ExecutionQueue submission, using the
// identical version<<32|slot ABA-safety scheme as TaskID, TimerID, and
// SessionID: a stale handle from a dispatched-and-recycled slot is rejected
// rather than silently resolving to a different entity.
type QueueHandle uint64

func newQueueHandle(version, slot uint32) QueueHandle {
	return QueueHandle(uint64(version)<<32 | uint64(slot))
}
func (id QueueHandle) Slot() uint32    { return uint32(id) }
func (id QueueHandle) Version() uint32 { return uint32(id >> 32) }

// queueEntry is one submission admitted into an ExecutionQueue. A sentinel
// entry (admitted by Stop, never by Execute) carries no payload and never
// goes through the dispatch state machine; it only marks where the queue's
// work ends.
type queueEntry struct {
	id           QueueHandle
	payload      any
	state        atomic32 // queuePending / queueDispatching / queueDone
	version      uint32
	highPriority bool
	sentinel     bool
}

const (
	queuePending atomic32 = iota
	queueDispatching
	queueDone
)

// queueHandleTable is the same version-tagged slot table shape as taskTable
// and timerTable, kept as its own type for the same reason timerTable is:
// Go's lack of lightweight generics-over-pointer-types here would make a
// single shared table awkward without introducing an interface-boxing cost
// on every lookup.
type queueHandleTable struct {
	mu       sync.Mutex
	slots    []*queueEntry
	versions []uint32
	free     []uint32
}

func newQueueHandleTable() *queueHandleTable { return &queueHandleTable{} }

func (t *queueHandleTable) acquire() (slot, version uint32) {
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

func (t *queueHandleTable) store(slot uint32, e *queueEntry) {
	t.mu.Lock()
	t.slots[slot] = e
	t.mu.Unlock()
}

func (t *queueHandleTable) lookup(id QueueHandle) *queueEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := id.Slot()
	if int(slot) >= len(t.slots) || t.versions[slot] != id.Version() {
		return nil
	}
	return t.slots[slot]
}

func (t *queueHandleTable) release(slot uint32) {
	t.mu.Lock()
	t.slots[slot] = nil
	t.free = append(t.free, slot)
	t.mu.Unlock()
}

// BatchFunc receives every payload admitted since the previous call.
// queueStopped is true on exactly one call per queue: the final one, made
// once the stop sentinel admitted by Stop is reached, with an empty batch.
type BatchFunc func(batch []any, queueStopped bool)

// ExecutionQueue serializes batches of submitted payloads through a single
// BatchFunc callback, one dispatch goroutine at a time: Execute admits work,
// and a single consumer invokes onBatch with everything currently pending.
// Admission uses the same chunked linked-list shape as groupOverflow; what's
// new here is the "has consumer" flag gating dispatch, the same idiom as
// ensuring only one microtask drain is ever in flight regardless of how many
// goroutines call Execute concurrently.
type ExecutionQueue struct {
	mu   sync.Mutex
	head *queueChunk
	tail *queueChunk

	table       *queueHandleTable
	dispatching atomic.Bool
	stopped     atomic.Bool
	joined      ParkingWord // 0 until the stop sentinel's batch has run

	onBatch BatchFunc
	logger  Logger
}

// NewExecutionQueue creates a queue that invokes onBatch with every payload
// admitted since the previous batch, on a goroutine this queue manages
// internally. onBatch must not block indefinitely; doing so stalls every
// later Execute caller's work from ever being dispatched.
func NewExecutionQueue(onBatch BatchFunc, logger Logger) *ExecutionQueue {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &ExecutionQueue{
		table:   newQueueHandleTable(),
		onBatch: onBatch,
		logger:  logger,
	}
}

// Execute admits payload for normal-priority dispatch, returning a
// QueueHandle usable with Cancel. ErrQueueStopped is returned once Stop has
// been called.
func (q *ExecutionQueue) Execute(payload any) (QueueHandle, error) {
	return q.execute(payload, false)
}

// ExecuteHighPriority admits payload the same way Execute does, except it is
// dispatched ahead of every normal-priority entry still pending once the
// consumer reaches the next batch boundary; high-priority entries are
// otherwise ordered among themselves by admission order, same as normal
// ones.
func (q *ExecutionQueue) ExecuteHighPriority(payload any) (QueueHandle, error) {
	return q.execute(payload, true)
}

func (q *ExecutionQueue) execute(payload any, highPriority bool) (QueueHandle, error) {
	if q.stopped.Load() {
		return 0, ErrQueueStopped
	}

	slot, version := q.table.acquire()
	e := &queueEntry{payload: payload, version: version, highPriority: highPriority}
	e.id = newQueueHandle(version, slot)
	q.table.store(slot, e)

	q.admit(e)
	q.kickDispatcher()
	return e.id, nil
}

// admit appends e to the tail chunk under q.mu. Execute's normal entries and
// Stop's sentinel both go through this so the sentinel is never reordered
// ahead of work admitted before it.
func (q *ExecutionQueue) admit(e *queueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tail == nil {
		q.tail = newQueueChunk()
		q.head = q.tail
	}
	if q.tail.pos == queueChunkSize {
		nc := newQueueChunk()
		q.tail.next = nc
		q.tail = nc
	}
	q.tail.entries[q.tail.pos] = e
	q.tail.pos++
}

// Cancel attempts to withdraw a submission before it is handed to onBatch.
// The state CAS runs under q.mu, the same lock drainBatch holds across its
// own competing CAS, so the two can never both observe queuePending and
// both "win".
func (q *ExecutionQueue) Cancel(id QueueHandle) CancelOutcome {
	e := q.table.lookup(id)
	if e == nil {
		return CancelAlreadyCanceled
	}
	q.mu.Lock()
	won := casUint32(&e.state, uint32(queuePending), uint32(queueDone))
	q.mu.Unlock()
	if !won {
		return CancelTooLate
	}
	q.table.release(id.Slot())
	return CancelOK
}

// Stop prevents further admission and enqueues a sentinel. Submissions
// already admitted still get dispatched to onBatch as usual; once the
// sentinel is reached, onBatch is invoked exactly once more with
// queueStopped set and an empty batch, and Join unblocks. Calling Stop more
// than once has no additional effect.
func (q *ExecutionQueue) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	q.admit(&queueEntry{sentinel: true})
	q.kickDispatcher()
}

// Join blocks until the sentinel enqueued by Stop has been dispatched and
// this queue's resources released, or deadline passes (zero for no
// deadline). Join on a queue that was never stopped blocks forever.
func (q *ExecutionQueue) Join(deadline time.Time) error {
	if q.joined.Load() != 0 {
		return nil
	}
	if res := q.joined.Wait(0, deadline); res == futex.TimedOut {
		return ErrTimeout
	}
	return nil
}

// kickDispatcher starts a drain goroutine unless one is already running;
// the running one is responsible for re-checking the queue before exiting,
// so a Push that lands just after a drain's last check is never stranded.
func (q *ExecutionQueue) kickDispatcher() {
	if q.dispatching.CompareAndSwap(false, true) {
		go q.dispatchLoop()
	}
}

func (q *ExecutionQueue) dispatchLoop() {
	for {
		entries, sawStop := q.drainBatch()
		if len(entries) > 0 {
			q.runBatch(entries, false)
			for _, e := range entries {
				q.table.release(e.id.Slot())
			}
		}
		if sawStop {
			q.runBatch(nil, true)
			q.joined.Add(1)
			q.joined.WakeAll()
			q.dispatching.Store(false)
			return
		}

		q.mu.Lock()
		empty := q.head == nil || (q.head == q.tail && q.head.readPos >= q.head.pos)
		if empty {
			q.dispatching.Store(false)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

// drainBatch walks every chunk currently admitted, splitting the entries it
// wins the dispatch CAS on into a high-priority tier and a normal tier, each
// preserving admission order, so the caller can present high-priority work
// first without otherwise reordering anything. The stop sentinel, if
// reached, is never included in entries. The walk does not end at the
// sentinel: an entry admitted by an Execute that passed its stopped check
// just before Stop ran sits after the sentinel and is still collected.
func (q *ExecutionQueue) drainBatch() (entries []*queueEntry, sawStop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var high, normal []*queueEntry
	for q.head != nil {
		if q.head.readPos >= q.head.pos {
			if q.head == q.tail {
				break
			}
			old := q.head
			q.head = q.head.next
			returnQueueChunk(old)
			continue
		}
		e := q.head.entries[q.head.readPos]
		q.head.entries[q.head.readPos] = nil
		q.head.readPos++
		if e.sentinel {
			sawStop = true
			continue
		}
		if casUint32(&e.state, uint32(queuePending), uint32(queueDispatching)) {
			if e.highPriority {
				high = append(high, e)
			} else {
				normal = append(normal, e)
			}
		}
		// Canceled entries are silently skipped; their slot was already
		// released by Cancel.
	}
	return append(high, normal...), sawStop
}

func (q *ExecutionQueue) runBatch(entries []*queueEntry, queueStopped bool) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Log(LevelError, "execqueue", "on_batch callback panicked", F("panic", r))
		}
	}()
	batch := make([]any, len(entries))
	for i, e := range entries {
		batch[i] = e.payload
	}
	q.onBatch(batch, queueStopped)
}
