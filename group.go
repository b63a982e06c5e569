package fiber

import (
	"sync"
	"sync/atomic"
	"time"
)

// Entry is a fiber's body. It receives the Fiber handle it is running as,
// so it can Yield, sleep, or read its own id without a separate Current()
// lookup in the common case.
type Entry func(f *Fiber)

// workerState generalizes an event loop's lifecycle states to one worker
// goroutine's lifecycle within a scheduling group.
type workerState uint32

const (
	workerStarting workerState = iota
	workerSearching
	workerRunning
	workerParked
	workerStopped
)

// worker owns one readyRing and runs on a single, permanently-parked OS
// goroutine: scheduling is M workers across N OS threads.
type worker struct {
	id    int
	group *SchedulingGroup
	ring  *readyRing
	state *fastState32

	parkWord *ParkingWord // this worker's slot in group.parking
	rngState uint32       // xorshift state for randomized steal-victim order

	pinnedMu sync.Mutex
	pinned   []*task // tasks restricted to this worker (Attrs.SchedulingGroupLocal)

	stopReq atomic.Bool
	current *task // task currently executing on this worker, nil if idle
}

func (w *worker) pushPinned(t *task) {
	w.pinnedMu.Lock()
	w.pinned = append(w.pinned, t)
	w.pinnedMu.Unlock()
}

func (w *worker) popPinned() *task {
	w.pinnedMu.Lock()
	defer w.pinnedMu.Unlock()
	if len(w.pinned) == 0 {
		return nil
	}
	t := w.pinned[0]
	w.pinned = w.pinned[1:]
	return t
}

// fastState32 is state.go's fastState generalized to workerState without
// introducing a second padded type; workerState and taskState never collide
// because each fastState32/fastState instance is only ever loaded with one
// of the two enums.
type fastState32 = fastState

// SchedulingGroup is a pool of workers sharing one ready-task population.
// Stealing only ever happens between workers in the same group.
type SchedulingGroup struct {
	name    string
	system  bool
	workers []*worker
	overflow *groupOverflow
	parking  []ParkingWord // shared wake-signal slots, see WithParkingArraySize
	stacks   *stackPools
	tasks    *taskTable
	timers   *timerWheel

	overflowDrainEvery int
	stealRetryBound    int

	logger  Logger
	metrics *GroupMetrics

	runtime *Runtime

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func newSchedulingGroup(rt *Runtime, spec groupSpec, opts *runtimeOptions, shared *processStackPool) *SchedulingGroup {
	invariantLogger := opts.logger
	if opts.invariantLogLimiter {
		invariantLogger = NewRateLimitedLogger(opts.logger, time.Second, 5)
	}
	g := &SchedulingGroup{
		name:               spec.name,
		system:             spec.system,
		overflow:           newGroupOverflow(),
		parking:            make([]ParkingWord, opts.parkingArraySize),
		stacks:             newStackPools(opts.stackSizes, shared, invariantLogger),
		tasks:              newTaskTable(),
		overflowDrainEvery: opts.overflowDrainEvery,
		stealRetryBound:    opts.stealRetryBound,
		logger:             opts.logger,
		runtime:            rt,
		stopCh:             make(chan struct{}),
	}
	g.timers = newTimerWheel(opts.timerTick, time.Now())
	if opts.metricsEnabled {
		g.metrics = newGroupMetrics()
	}
	g.workers = make([]*worker, spec.workers)
	for i := range g.workers {
		w := &worker{
			id:    i,
			group: g,
			ring:  newReadyRing(),
			state: newFastState32(workerStarting),
		}
		w.parkWord = &g.parking[i%len(g.parking)]
		w.rngState = uint32(i*2654435761 + 1)
		g.workers[i] = w
	}
	return g
}

func newFastState32(s workerState) *fastState32 {
	fs := &fastState32{}
	fs.Store(taskState(s))
	return fs
}

func (w *worker) loadState() workerState  { return workerState(w.state.Load()) }
func (w *worker) storeState(s workerState) { w.state.Store(taskState(s)) }

func (g *SchedulingGroup) start() {
	for _, w := range g.workers {
		g.wg.Add(1)
		go w.run()
	}
	go g.timerService()
}

// timerService advances the group's timer wheel on the configured cadence.
// Separated from worker loops since timer advancement must happen even when
// every worker is parked, and pinning it to a single dedicated goroutine
// avoids N workers redundantly racing to call advance.
func (g *SchedulingGroup) timerService() {
	ticker := time.NewTicker(g.timers.tick)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case now := <-ticker.C:
			g.timers.advance(now)
		}
	}
}

// AddTimer schedules fire to run on this group's timer-service goroutine at
// deadline. This is the external-interface counterpart to Fiber.AddTimer, for
// callers that are not themselves running inside a fiber.
func (g *SchedulingGroup) AddTimer(deadline time.Time, fire func()) TimerID {
	return g.timers.Add(deadline, fire)
}

// CancelTimer cancels a timer previously scheduled with AddTimer.
func (g *SchedulingGroup) CancelTimer(id TimerID) CancelOutcome {
	return g.timers.Cancel(id)
}

func (g *SchedulingGroup) stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		for _, w := range g.workers {
			w.stopReq.Store(true)
		}
		for i := range g.parking {
			g.parking[i].WakeAll()
		}
		g.wg.Wait()
	})
}

// enqueue places t on the least-contended entry point available: the
// spawning worker's own ring if called from within one (LIFO fast path),
// otherwise the group overflow deque, followed by a targeted wake of one
// parked worker. A fast local path and a cross-goroutine queued path,
// generalizing the split a single-thread event loop makes between
// scheduling from its own thread and scheduling from any other goroutine.
//
// Attrs.SchedulingGroupLocal tasks never enter the ring or the overflow
// deque at all, since either would make them visible to readyRing.steal or
// to any worker's overflow.pop — instead they go straight to the pinned
// queue of their origin worker (or, pre-first-run, the spawning worker),
// which only that worker ever drains.
func (g *SchedulingGroup) enqueue(t *task, spawnerRing *readyRing) {
	if t.attrs.SchedulingGroupLocal {
		g.pinnedOwner(t, spawnerRing).pushPinned(t)
		g.wakeOne()
		return
	}
	if spawnerRing != nil && spawnerRing.pushBottom(t) {
		g.wakeOne()
		return
	}
	g.overflow.push(t)
	g.wakeOne()
}

// pinnedOwner resolves which worker owns t's pinned queue: the spawning
// worker (identified by spawnerRing) on first enqueue, or the recorded
// originWorker on any subsequent re-enqueue (e.g. after a suspend/resume).
func (g *SchedulingGroup) pinnedOwner(t *task, spawnerRing *readyRing) *worker {
	if spawnerRing != nil {
		for _, w := range g.workers {
			if w.ring == spawnerRing {
				return w
			}
		}
	}
	if t.originWorker >= 0 && t.originWorker < len(g.workers) {
		return g.workers[t.originWorker]
	}
	return g.workers[0]
}

// wakeOne wakes a single parked worker: it scans the parking array from
// slot 0 and stops at the first slot that had a waiter, so lower-numbered
// slots are woken first.
func (g *SchedulingGroup) wakeOne() {
	for i := range g.parking {
		if g.parking[i].Wake(1) > 0 {
			return
		}
	}
}

// run is the worker loop: search (pinned -> local -> overflow -> steal) ->
// run -> park. Generalizes the "poll for events, then drain queues" split of
// a single-threaded event loop to "find ready work, then run it" across a
// pool of cooperating workers.
func (w *worker) run() {
	defer w.group.wg.Done()
	w.storeState(workerSearching)

	ticks := 0
	for {
		if w.stopReq.Load() {
			w.storeState(workerStopped)
			return
		}

		if t := w.popPinned(); t != nil {
			w.execute(t)
			continue
		}

		ticks++
		if ticks%w.group.overflowDrainEvery == 0 {
			if t := w.group.overflow.pop(); t != nil {
				w.execute(t)
				continue
			}
		}

		if t := w.ring.popBottom(); t != nil {
			w.execute(t)
			continue
		}

		if t := w.group.overflow.pop(); t != nil {
			w.execute(t)
			continue
		}

		if t := w.steal(); t != nil {
			t.stolen.Add(1)
			w.group.metrics.recordStolen()
			w.execute(t)
			continue
		}

		w.group.metrics.recordParked()
		w.park()
	}
}

// steal probes up to stealRetryBound other workers in randomized order: a
// fixed victim order would starve whichever worker happens to sort last.
func (w *worker) steal() *task {
	n := len(w.group.workers)
	if n <= 1 {
		return nil
	}
	bound := w.group.stealRetryBound
	if bound > n {
		bound = n
	}
	for i := 0; i < bound; i++ {
		w.rngState = xorshift32(w.rngState)
		victim := w.group.workers[int(w.rngState)%n]
		if victim == w {
			continue
		}
		if t := victim.ring.steal(); t != nil {
			return t
		}
	}
	return nil
}

func xorshift32(x uint32) uint32 {
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	return x
}

// park waits on this worker's parking-array slot. The epoch value (the
// word's current uint32) is read before the emptiness re-check so a wake
// that lands between the check and the park is never lost: Wait returns
// Mismatch immediately if the word already advanced, same guarantee the
// futex package documents.
func (w *worker) park() {
	w.storeState(workerParked)
	epoch := w.parkWord.Load()
	w.pinnedMu.Lock()
	hasPinned := len(w.pinned) > 0
	w.pinnedMu.Unlock()
	if hasPinned || w.group.overflow.Length() > 0 || w.ring.length() > 0 {
		w.storeState(workerSearching)
		return
	}
	w.parkWord.Wait(epoch, time.Now().Add(10*time.Millisecond))
	w.storeState(workerSearching)
}

func (w *worker) execute(t *task) {
	w.storeState(workerRunning)
	w.current = t
	if t.originWorker < 0 {
		t.originWorker = w.id
	}
	t.lastWorker.Store(int32(w.id))
	if m := w.group.metrics; m != nil {
		m.updateQueueDepth(w.ring.length(), w.group.overflow.Length())
	}
	runTaskOnWorker(t, w)
	w.current = nil
	w.storeState(workerSearching)
}

