package fiber

import (
	"sync/atomic"
	"time"

	"github.com/nodestack/fiberrt/internal/futex"
)

// ParkingWord is a futex-backed wait/wake rendezvous point: a plain uint32
// that doubles as both a predicate cell and a parking slot. Worker parking
// and a fiber's own join word embed one rather than building their own
// futex plumbing.
type ParkingWord struct {
	word uint32
}

// Load reads the current value.
func (p *ParkingWord) Load() uint32 {
	return atomic.LoadUint32(&p.word)
}

// Store sets the value without waking anyone; callers that need to publish
// a new value and wake waiters atomically should use Wake after Store, same
// as a real futex's "store then FUTEX_WAKE" pattern.
func (p *ParkingWord) Store(v uint32) {
	atomic.StoreUint32(&p.word, v)
}

// CompareAndSwap atomically sets the word to new if it currently holds old.
// Mutex, Cond and CountdownLatch do not use it; they keep their own waiter
// lists.
func (p *ParkingWord) CompareAndSwap(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&p.word, old, new)
}

// Add atomically adds delta and returns the new value, used by a fiber's
// join word to bump its generation on each termination.
func (p *ParkingWord) Add(delta uint32) uint32 {
	return atomic.AddUint32(&p.word, delta)
}

// Wait blocks while the word still equals expected, until a matching Wake or
// deadline. A zero deadline means wait indefinitely. Spurious wakeups are
// possible; callers must re-check their predicate.
func (p *ParkingWord) Wait(expected uint32, deadline time.Time) futex.Result {
	return futex.Wait(&p.word, expected, deadline)
}

// Wake wakes up to n waiters parked on this word.
func (p *ParkingWord) Wake(n int) int {
	return futex.Wake(&p.word, n)
}

// WakeAll wakes every waiter currently parked on this word.
func (p *ParkingWord) WakeAll() int {
	return futex.Wake(&p.word, int(^uint(0)>>1))
}
