package fiber

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

// envWorkerCount is the environment variable the runtime honors as a
// default worker-count override when WithWorkerGroup is never called.
const envWorkerCount = "FIBERRT_WORKERS"

// runtimeOptions holds the resolved configuration for NewRuntime.
type runtimeOptions struct {
	groups              []groupSpec
	logger              Logger
	metricsEnabled      bool
	defaultWorkerCount  int
	parkingArraySize    int
	stealRetryBound     int
	overflowDrainEvery  int
	timerTick           time.Duration
	stackSizes          [numStackClasses]int
	invariantLogLimiter bool
}

type groupSpec struct {
	name    string
	workers int
	system  bool
}

// RuntimeOption configures NewRuntime via the functional-options pattern.
type RuntimeOption interface {
	apply(*runtimeOptions)
}

type runtimeOptionFunc func(*runtimeOptions)

func (f runtimeOptionFunc) apply(o *runtimeOptions) { f(o) }

// WithWorkerGroup adds a scheduling group with the given name and worker
// count. The first group added (or an implicit "default" group, if none is
// added explicitly) receives ordinary workload fibers; most deployments run
// one workload group and one system group — use WithSystemGroup for the
// latter.
func WithWorkerGroup(name string, workers int) RuntimeOption {
	return runtimeOptionFunc(func(o *runtimeOptions) {
		o.groups = append(o.groups, groupSpec{name: name, workers: workers})
	})
}

// WithSystemGroup adds a scheduling group reserved for fibers spawned with
// AffinitySystem.
func WithSystemGroup(name string, workers int) RuntimeOption {
	return runtimeOptionFunc(func(o *runtimeOptions) {
		o.groups = append(o.groups, groupSpec{name: name, workers: workers, system: true})
	})
}

// WithLogger wires a structured logging facade (see logging.go) into every
// scheduling group created by this runtime.
func WithLogger(l Logger) RuntimeOption {
	return runtimeOptionFunc(func(o *runtimeOptions) { o.logger = l })
}

// WithMetrics enables the P² percentile estimator and counters exposed via
// (*SchedulingGroup).Metrics.
func WithMetrics(enabled bool) RuntimeOption {
	return runtimeOptionFunc(func(o *runtimeOptions) { o.metricsEnabled = enabled })
}

// WithParkingArraySize sets the capacity of each group's parking array,
// an explicit tunable rather than a fixed constant.
func WithParkingArraySize(n int) RuntimeOption {
	return runtimeOptionFunc(func(o *runtimeOptions) { o.parkingArraySize = n })
}

// WithStealRetryBound bounds how many victims a searching worker probes
// before giving up and parking.
func WithStealRetryBound(n int) RuntimeOption {
	return runtimeOptionFunc(func(o *runtimeOptions) { o.stealRetryBound = n })
}

// WithOverflowDrainCadence sets how many local pops occur between forced
// drains of the group overflow deque, a starvation guard against a worker
// that always has local work and never checks the shared overflow.
func WithOverflowDrainCadence(n int) RuntimeOption {
	return runtimeOptionFunc(func(o *runtimeOptions) { o.overflowDrainEvery = n })
}

// WithTimerTick sets the near-wheel's tick granularity.
func WithTimerTick(d time.Duration) RuntimeOption {
	return runtimeOptionFunc(func(o *runtimeOptions) { o.timerTick = d })
}

// WithStackSize overrides the default stack size for one size class.
func WithStackSize(class StackClass, bytes int) RuntimeOption {
	return runtimeOptionFunc(func(o *runtimeOptions) {
		if class >= 0 && int(class) < numStackClasses {
			o.stackSizes[class] = bytes
		}
	})
}

// WithInvariantRateLimiting caps how often a single repeating invariant
// violation (such as a stack handle's guard canary being overwritten) can be
// logged, so a tight corruption loop can't flood the log sink. Disabled by
// default: every occurrence is logged through the configured Logger.
func WithInvariantRateLimiting(enabled bool) RuntimeOption {
	return runtimeOptionFunc(func(o *runtimeOptions) { o.invariantLogLimiter = enabled })
}

func resolveRuntimeOptions(opts []RuntimeOption) *runtimeOptions {
	o := &runtimeOptions{
		parkingArraySize:   4,
		stealRetryBound:    4,
		overflowDrainEvery: 61,
		timerTick:          time.Millisecond,
	}
	o.stackSizes = defaultStackSizes()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(o)
	}
	if len(o.groups) == 0 {
		o.groups = []groupSpec{{name: "default", workers: o.resolveDefaultWorkerCount()}}
	}
	if o.logger == nil {
		o.logger = NoOpLogger{}
	}
	return o
}

func (o *runtimeOptions) resolveDefaultWorkerCount() int {
	if v := os.Getenv(envWorkerCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 1
}
