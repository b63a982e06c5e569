package fiber

import (
	"sync"
	"sync/atomic"
)

// TaskID identifies one fiber across its lifetime. It packs a generation
// version into the high 32 bits and a free-list slot index into the low 32
// bits ("version<<32 | slot"), the same encoding SessionID, TimerID, and
// QueueHandle use, since all four need the identical ABA-safety property: a
// stale holder referencing a recycled slot must be rejected, never
// silently handed someone else's entity.
type TaskID uint64

func newTaskID(version, slot uint32) TaskID {
	return TaskID(uint64(version)<<32 | uint64(slot))
}

// Version returns the generation this id was minted for.
func (id TaskID) Version() uint32 { return uint32(id >> 32) }

// Slot returns the free-list slot this id addresses.
func (id TaskID) Slot() uint32 { return uint32(id) }

// Affinity selects which scheduling group a newly spawned fiber lands in.
type Affinity int

const (
	// AffinityCurrent pins the new fiber to the spawning worker's own
	// group (and, within the enqueue path, its local ready queue).
	AffinityCurrent Affinity = iota
	// AffinityAny lets the runtime's affinity policy pick any workload
	// group.
	AffinityAny
	// AffinitySystem routes to a group started with WithSystemGroup.
	AffinitySystem
)

// Attrs configures a spawned fiber.
type Attrs struct {
	StackClass StackClass
	Affinity   Affinity
	// System marks this as infrastructure work rather than workload, for
	// accounting purposes independent of which group it lands in.
	System bool
	// AllowSignal marks the fiber as eligible to be woken by out-of-band
	// signal delivery; fiberrt itself has no signal subsystem in scope, so
	// this is carried purely as metadata for external collaborators (e.g.
	// an RPC layer) that do.
	AllowSignal bool
	// Detached, if true, means no joiner is expected; the entity is
	// returned to the free list immediately after the termination path
	// runs rather than waiting for a Join call to observe DONE.
	Detached bool
	// SchedulingGroupLocal pins the task to its origin worker: it never
	// enters the ready-queue steal path, and may only ever run there.
	SchedulingGroupLocal bool
}

const maxLocalSlots = 8

type localSlot struct {
	used    bool
	value   any
	destroy func(any)
}

// task is the heap-owned fiber record.
type task struct {
	id    TaskID
	entry Entry
	attrs Attrs
	stack *stackHandle
	group *SchedulingGroup

	state   *fastState
	join    ParkingWord // holds a version; Join waits for it to advance
	stopReq atomic.Bool

	localMu sync.Mutex
	locals  [maxLocalSlots]localSlot

	stolen         atomic.Uint32 // times this task was taken via readyRing.steal
	lastWorker     atomic.Int32 // id of the worker that last ran it, -1 if never
	originWorker   int          // worker id pinned tasks are confined to, -1 until first run
	goroutineAlive bool

	resumeCh chan struct{}
	yieldCh  chan yieldSignal

	panicVal any
	next     *task // intrusive link for free lists / queue nodes
}

type yieldKind int

const (
	yieldCooperative yieldKind = iota
	yieldSuspended
	yieldDone
)

type yieldSignal struct {
	kind yieldKind
}

// taskTable is a group-local, version-tagged slot table: the arena half of
// an arena-plus-index pattern. It owns every *task; nothing else does.
type taskTable struct {
	mu       sync.Mutex
	slots    []*task
	versions []uint32
	free     []uint32
}

func newTaskTable() *taskTable {
	return &taskTable{}
}

// acquire reserves a slot, bumping its version, and returns (slot, version).
func (t *taskTable) acquire() (slot uint32, version uint32) {
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
	version = t.versions[slot]
	return slot, version
}

func (t *taskTable) store(slot uint32, tk *task) {
	t.mu.Lock()
	t.slots[slot] = tk
	t.mu.Unlock()
}

// lookup returns the task at id's slot, or nil if id's version is stale.
func (t *taskTable) lookup(id TaskID) *task {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := id.Slot()
	if int(slot) >= len(t.slots) {
		return nil
	}
	if t.versions[slot] != id.Version() {
		return nil
	}
	return t.slots[slot]
}

// release returns a slot to the free list. The version was already bumped
// at acquire time, so the *next* acquire of this slot mints a fresh,
// distinguishable id — any TaskID referencing the just-released generation
// becomes permanently stale.
func (t *taskTable) release(slot uint32) {
	t.mu.Lock()
	t.slots[slot] = nil
	t.free = append(t.free, slot)
	t.mu.Unlock()
}

// LocalKey indexes a fiber-local storage slot.
type LocalKey int

// SetLocal stores a value, along with an optional destructor run when the
// task terminates. Destructors run in reverse slot order (highest LocalKey
// first); the order in which keys were set is not tracked.
func (t *task) SetLocal(key LocalKey, value any, destroy func(any)) {
	t.localMu.Lock()
	defer t.localMu.Unlock()
	if int(key) < 0 || int(key) >= maxLocalSlots {
		return
	}
	t.locals[key] = localSlot{used: true, value: value, destroy: destroy}
}

// GetLocal retrieves a previously stored value.
func (t *task) GetLocal(key LocalKey) (any, bool) {
	t.localMu.Lock()
	defer t.localMu.Unlock()
	if int(key) < 0 || int(key) >= maxLocalSlots {
		return nil, false
	}
	s := t.locals[key]
	return s.value, s.used
}

// runDestructors runs registered destructors in reverse slot order as part
// of the termination path.
func (t *task) runDestructors() {
	t.localMu.Lock()
	defer t.localMu.Unlock()
	for i := maxLocalSlots - 1; i >= 0; i-- {
		s := t.locals[i]
		if s.used && s.destroy != nil {
			s.destroy(s.value)
		}
		t.locals[i] = localSlot{}
	}
}
