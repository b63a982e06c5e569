package fiber

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// readyRingSize bounds each worker's local ready queue. Power-of-two sized,
// like a microtask ring, but smaller since each slot holds a pointer-sized
// *task rather than a func() closure. A push that finds the ring full
// spills to the group overflow deque instead.
const readyRingSize = 256

// readyRing is a single-owner, multi-stealer work-stealing deque: the owning
// worker pushes and pops at the bottom (LIFO, for cache-friendly recursive
// fan-out), while other workers steal from the top (FIFO, oldest work first,
// so a steal never competes with the owner for the same end). The slot
// layout — a fixed array plus atomic head/tail cursors — generalizes a
// single-consumer ring into the owner-pop/stealer-pop split work-stealing
// needs.
type readyRing struct {
	_   cpu.CacheLinePad
	top atomic.Uint64 // steal cursor, advanced by stealers
	_   cpu.CacheLinePad
	bot atomic.Uint64 // owner cursor, advanced only by the owning worker
	_   cpu.CacheLinePad
	buf [readyRingSize]*task
}

func newReadyRing() *readyRing {
	return &readyRing{}
}

// pushBottom is called only by the owning worker.
func (r *readyRing) pushBottom(t *task) bool {
	b := r.bot.Load()
	top := r.top.Load()
	if b-top >= readyRingSize {
		return false
	}
	r.buf[b%readyRingSize] = t
	r.bot.Store(b + 1)
	return true
}

// popBottom is called only by the owning worker; it races with concurrent
// stealers for the last remaining element, which is why it still needs a CAS
// on top rather than a plain check.
func (r *readyRing) popBottom() *task {
	b := r.bot.Load()
	top := r.top.Load()
	if b <= top {
		return nil
	}
	b--
	r.bot.Store(b)
	top = r.top.Load()
	if b < top {
		r.bot.Store(top)
		return nil
	}
	t := r.buf[b%readyRingSize]
	if b > top {
		return t
	}
	// Exactly one element left; race stealers for it via CAS on top.
	if !r.top.CompareAndSwap(top, top+1) {
		t = nil
	}
	r.bot.Store(top + 1)
	return t
}

// steal is called by any worker other than the owner.
func (r *readyRing) steal() *task {
	top := r.top.Load()
	b := r.bot.Load()
	if top >= b {
		return nil
	}
	t := r.buf[top%readyRingSize]
	if !r.top.CompareAndSwap(top, top+1) {
		return nil
	}
	return t
}

func (r *readyRing) length() int {
	b := int64(r.bot.Load())
	t := int64(r.top.Load())
	if b <= t {
		return 0
	}
	return int(b - t)
}

// overflowChunkSize is the fixed capacity of one link in the overflow chain.
const overflowChunkSize = 128

type overflowChunk struct {
	tasks   [overflowChunkSize]*task
	next    *overflowChunk
	readPos int
	pos     int
}

var overflowChunkPool = sync.Pool{New: func() any { return &overflowChunk{} }}

func newOverflowChunk() *overflowChunk {
	c := overflowChunkPool.Get().(*overflowChunk)
	c.pos, c.readPos, c.next = 0, 0, nil
	return c
}

func returnOverflowChunk(c *overflowChunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos, c.readPos, c.next = 0, 0, nil
	overflowChunkPool.Put(c)
}

// groupOverflow is the mutex-protected, unbounded FIFO every worker in a
// SchedulingGroup spills into once its local readyRing is full, and drains
// from on a fixed cadence (WithOverflowDrainCadence) to bound starvation of
// newly-spawned work by a worker that only ever pops its own ring.
type groupOverflow struct {
	mu     sync.Mutex
	head   *overflowChunk
	tail   *overflowChunk
	length int
}

func newGroupOverflow() *groupOverflow {
	return &groupOverflow{}
}

func (q *groupOverflow) push(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tail == nil {
		q.tail = newOverflowChunk()
		q.head = q.tail
	}
	if q.tail.pos == overflowChunkSize {
		nc := newOverflowChunk()
		q.tail.next = nc
		q.tail = nc
	}
	q.tail.tasks[q.tail.pos] = t
	q.tail.pos++
	q.length++
}

func (q *groupOverflow) pop() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return nil
	}
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			return nil
		}
		old := q.head
		q.head = q.head.next
		returnOverflowChunk(old)
		if q.head.readPos >= q.head.pos {
			return nil
		}
	}
	t := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--
	return t
}

func (q *groupOverflow) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}
