package fiber

import (
	"sync"
	"sync/atomic"
	"time"
)

// SessionID is the handle the Session Id synchronization primitive hands
// back from Create: a version<<32|slot pair, the identical ABA-safety
// scheme as TaskID, TimerID, and QueueHandle. Every SessionRegistry
// operation rejects a stale id — one whose generation has since been
// destroyed by UnlockAndDestroy — with ErrInvalidID rather than silently
// acting on a different entity.
type SessionID uint64

func newSessionID(version, slot uint32) SessionID {
	return SessionID(uint64(version)<<32 | uint64(slot))
}
func (id SessionID) Slot() uint32    { return uint32(id) }
func (id SessionID) Version() uint32 { return uint32(id >> 32) }

// sessionSlot is one live Session Id: a per-slot mutex guarding mutual
// exclusion between concurrent Lock callers (built on the same
// suspend/wake waitNode machinery as Mutex), a first-wins on-error
// callback, and a holder count.
type sessionSlot struct {
	mu        sync.Mutex
	locked    bool
	destroyed bool
	waiters   *waitNode
	waitTl    *waitNode

	onError  func(code int)
	failed   atomic.Bool
	errCode  int
	refcount atomic.Int32
}

// sessionTable is the same version-tagged slot table shape as taskTable and
// timerTable, kept as its own type for the same reason timerTable is: a
// session's payload is a *sessionSlot, not a *task or *timerEntry.
type sessionTable struct {
	mu       sync.Mutex
	slots    []*sessionSlot
	versions []uint32
	free     []uint32
}

func newSessionTable() *sessionTable { return &sessionTable{} }

func (t *sessionTable) acquire() (slot, version uint32) {
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

func (t *sessionTable) store(slot uint32, s *sessionSlot) {
	t.mu.Lock()
	t.slots[slot] = s
	t.mu.Unlock()
}

func (t *sessionTable) lookup(id SessionID) *sessionSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := id.Slot()
	if int(slot) >= len(t.slots) || t.versions[slot] != id.Version() {
		return nil
	}
	return t.slots[slot]
}

func (t *sessionTable) release(slot uint32) {
	t.mu.Lock()
	t.slots[slot] = nil
	t.free = append(t.free, slot)
	t.mu.Unlock()
}

// SessionRegistry is the Session Id synchronization primitive: Create
// mints an id carrying a per-slot mutex, a first-wins on-error closure, and
// a holder count; Lock/Unlock guard a critical section scoped to that id;
// UnlockAndDestroy permanently invalidates it and wakes every blocked
// locker; SetFailed delivers the on-error closure at most once. A
// SessionRegistry owns one slot table and is safe for concurrent use by
// many goroutines and fibers.
type SessionRegistry struct {
	table *sessionTable
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{table: newSessionTable()}
}

// Create allocates a new session id with onError registered as the closure
// SetFailed delivers. onError may be nil.
func (r *SessionRegistry) Create(onError func(code int)) SessionID {
	slot, version := r.table.acquire()
	s := &sessionSlot{onError: onError}
	r.table.store(slot, s)
	return newSessionID(version, slot)
}

// Lock acquires id's per-slot mutex, suspending the calling fiber (or
// parking the calling goroutine, if called from outside one) while it is
// held elsewhere. It returns ErrInvalidID if id's generation has already
// been destroyed, whether that is discovered before blocking or only after
// being woken by a concurrent UnlockAndDestroy.
func (r *SessionRegistry) Lock(id SessionID) error {
	s := r.table.lookup(id)
	if s == nil {
		return ErrInvalidID
	}
	for {
		s.mu.Lock()
		if s.destroyed {
			s.mu.Unlock()
			return ErrInvalidID
		}
		if !s.locked {
			s.locked = true
			s.mu.Unlock()
			s.refcount.Add(1)
			return nil
		}
		n := suspendCurrent()
		enqueueSessionWaiter(s, n)
		s.mu.Unlock()

		if err := n.block(time.Time{}); err != nil {
			removeSessionWaiter(s, n)
			return err
		}
	}
}

// Unlock releases id's per-slot mutex, waking one blocked Lock caller if
// any are waiting. Unlocking an already-destroyed id returns ErrInvalidID
// and has no other effect, so a holder racing a concurrent UnlockAndDestroy
// is safely rejected.
func (r *SessionRegistry) Unlock(id SessionID) error {
	s := r.table.lookup(id)
	if s == nil {
		return ErrInvalidID
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrInvalidID
	}
	s.locked = false
	n := s.waiters
	if n != nil {
		s.waiters = n.next
		if s.waiters == nil {
			s.waitTl = nil
		}
	}
	s.mu.Unlock()
	s.refcount.Add(-1)

	if n != nil {
		n.wake()
	}
	return nil
}

// UnlockAndDestroy permanently invalidates id: every currently blocked Lock
// caller is woken so it observes destroyed and returns ErrInvalidID rather
// than acquiring a destroyed session, and the slot is released, so any
// later Lock/Unlock/SetFailed against id returns ErrInvalidID (a future
// Create that reuses the slot mints a new version). It does not wait for
// the current holder, if any, to call Unlock first — that holder's eventual
// Unlock returns ErrInvalidID and has no effect.
func (r *SessionRegistry) UnlockAndDestroy(id SessionID) error {
	s := r.table.lookup(id)
	if s == nil {
		return ErrInvalidID
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrInvalidID
	}
	s.destroyed = true
	waiters := s.waiters
	s.waiters, s.waitTl = nil, nil
	s.mu.Unlock()

	r.table.release(id.Slot())
	for n := waiters; n != nil; {
		next := n.next
		n.wake()
		n = next
	}
	return nil
}

// SetFailed delivers id's registered on-error closure with code, exactly
// once: the first SetFailed call for a given session's generation wins and
// runs the closure; every later call is a no-op (a call with a stale id
// returns ErrInvalidID). The closure runs synchronously on the calling goroutine, the
// same as ExecutionQueue's onBatch and a fired timer's callback.
func (r *SessionRegistry) SetFailed(id SessionID, code int) error {
	s := r.table.lookup(id)
	if s == nil {
		return ErrInvalidID
	}
	if !s.failed.CompareAndSwap(false, true) {
		return nil
	}
	s.errCode = code
	if s.onError != nil {
		s.onError(code)
	}
	return nil
}

// RefCount reports how many Lock calls against id are currently
// outstanding (not yet matched by Unlock). Diagnostic only: nothing in
// this package gates UnlockAndDestroy on it reaching zero.
func (r *SessionRegistry) RefCount(id SessionID) int32 {
	s := r.table.lookup(id)
	if s == nil {
		return 0
	}
	return s.refcount.Load()
}

func enqueueSessionWaiter(s *sessionSlot, n *waitNode) {
	if s.waitTl == nil {
		s.waiters, s.waitTl = n, n
		return
	}
	s.waitTl.next = n
	s.waitTl = n
}

func removeSessionWaiter(s *sessionSlot, target *waitNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *waitNode
	for cur := s.waiters; cur != nil; cur = cur.next {
		if cur == target {
			if prev == nil {
				s.waiters = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == s.waitTl {
				s.waitTl = prev
			}
			return
		}
		prev = cur
	}
}
