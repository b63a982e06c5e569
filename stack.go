package fiber

import "sync"

// StackClass selects a size-classed stack pool.
//
// Go's runtime owns the real execution stack of every goroutine, growing and
// shrinking it automatically; fiberrt cannot hand a goroutine a raw, guarded
// memory region the way a stack-switching fiber runtime would. What a
// stackHandle models instead is the size-class bookkeeping and reuse policy
// that matters externally: which pool a fiber's resources come from, and
// the invariant that a handle is never reused while its previous owner
// might still touch it — see DESIGN.md for the full rationale.
type StackClass int

const (
	// ClassMain is the OS thread's own stack, borrowed rather than pooled.
	ClassMain StackClass = iota
	// ClassSmall is the default class, sized for short-lived fibers.
	ClassSmall
	// ClassNormal is sized for typical RPC handler fibers.
	ClassNormal
	// ClassLarge is sized for fibers doing heavy stack-resident work.
	ClassLarge

	numStackClasses = int(ClassLarge) + 1
)

func defaultStackSizes() [numStackClasses]int {
	return [numStackClasses]int{
		ClassMain:   0,
		ClassSmall:  32 * 1024,
		ClassNormal: 256 * 1024,
		ClassLarge:  4 * 1024 * 1024,
	}
}

// guardCanary is written at handle creation and checked on release; a
// mismatch means something wrote past the bookkeeping region after the
// handle's owning task should have stopped touching it — a software stand-in
// for the guard pages a real raw-stack allocator would map around it.
const guardCanary = 0xFEEDFACECAFEBEEF

// stackHandle is the reusable unit returned to a pool on task completion.
// Invariant: at most one task references a given handle at a time, and the
// handle is returned to its pool only after the owning task has fully
// switched off it (see finishTask in fiber.go, which releases the stack
// after the task's Entry has returned and its state is DONE, and before its
// joiners are woken).
type stackHandle struct {
	class  StackClass
	buf    []byte
	canary uint64
}

func newStackHandle(class StackClass, size int) *stackHandle {
	return &stackHandle{
		class:  class,
		buf:    make([]byte, size),
		canary: guardCanary,
	}
}

func (h *stackHandle) checkGuard() bool {
	return h.canary == guardCanary
}

// stackPool is a per-class free list: per-group pool first, falling back to
// a process-wide pool, falling back to a fresh allocation.
type stackPool struct {
	class      StackClass
	size       int
	mu         sync.Mutex
	free       []*stackHandle
	maxPooled  int
	processTie *processStackPool
	logger     Logger
}

// processStackPool is shared across all scheduling groups in a Runtime,
// acting as the second tier of the fallback chain.
type processStackPool struct {
	mu   sync.Mutex
	free [numStackClasses][]*stackHandle
}

func newProcessStackPool() *processStackPool {
	return &processStackPool{}
}

func (p *processStackPool) acquire(class StackClass) *stackHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free[class])
	if n == 0 {
		return nil
	}
	h := p.free[class][n-1]
	p.free[class] = p.free[class][:n-1]
	return h
}

func (p *processStackPool) release(h *stackHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	const maxProcessPooled = 4096
	if len(p.free[h.class]) < maxProcessPooled {
		p.free[h.class] = append(p.free[h.class], h)
	}
}

func newStackPool(class StackClass, size int, shared *processStackPool, logger Logger) *stackPool {
	return &stackPool{
		class:      class,
		size:       size,
		maxPooled:  256,
		processTie: shared,
		logger:     logger,
	}
}

// acquire implements the fallback chain. ResourceExhausted is never actually
// returned here since make() either succeeds or the Go runtime itself
// aborts the process; the error return exists so a future bound (e.g. a
// hard cap on live stacks) can be enforced without an API break.
func (p *stackPool) acquire() (*stackHandle, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	if h := p.processTie.acquire(p.class); h != nil {
		return h, nil
	}

	return newStackHandle(p.class, p.size), nil
}

// release returns a handle to its pool. It must only be called after the
// owning task's Entry has returned and its worker has received the final
// yield (see finishTask in fiber.go).
func (p *stackPool) release(h *stackHandle) {
	if !h.checkGuard() {
		// Invariant violation: something touched the handle after it
		// should have stopped being referenced. Drop it rather than risk
		// handing out corrupted bookkeeping state.
		if p.logger != nil && p.logger.Enabled(LevelError) {
			p.logger.Log(LevelError, "stack", "guard canary violated on release",
				F("class", int(p.class)))
		}
		return
	}
	p.mu.Lock()
	if len(p.free) < p.maxPooled {
		p.free = append(p.free, h)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.processTie.release(h)
}

// stackPools bundles one pool per size class, owned by a SchedulingGroup.
type stackPools struct {
	pools [numStackClasses]*stackPool
}

func newStackPools(sizes [numStackClasses]int, shared *processStackPool, logger Logger) *stackPools {
	sp := &stackPools{}
	for c := 0; c < numStackClasses; c++ {
		sp.pools[c] = newStackPool(StackClass(c), sizes[c], shared, logger)
	}
	return sp
}

func (sp *stackPools) acquire(class StackClass) (*stackHandle, error) {
	if class == ClassMain {
		return &stackHandle{class: ClassMain, canary: guardCanary}, nil
	}
	return sp.pools[class].acquire()
}

func (sp *stackPools) release(h *stackHandle) {
	if h.class == ClassMain {
		return
	}
	sp.pools[h.class].release(h)
}
