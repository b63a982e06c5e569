package fiber

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// taskState is the task entity's NEW -> READY -> RUNNING -> {SUSPENDED,
// DONE} state word. It is a lock-free CAS state machine with cache-line
// padding, generalized from a five-state event loop lifecycle to the task
// lifecycle's five states.
type taskState uint32

const (
	stateNew taskState = iota
	stateReady
	stateRunning
	stateSuspended
	stateDone
)

func (s taskState) String() string {
	switch s {
	case stateNew:
		return "NEW"
	case stateReady:
		return "READY"
	case stateRunning:
		return "RUNNING"
	case stateSuspended:
		return "SUSPENDED"
	case stateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// fastState is a padded atomic state cell, shared by the task entity's state
// word and each worker's state (through the fastState32 alias). Pure CAS; no validation of transition
// legality is performed here — callers enforce the state machine.
type fastState struct {
	_ cpu.CacheLinePad
	v atomic.Uint32
	_ cpu.CacheLinePad
}

func newFastState(initial taskState) *fastState {
	s := &fastState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastState) Load() taskState {
	return taskState(s.v.Load())
}

func (s *fastState) Store(state taskState) {
	s.v.Store(uint32(state))
}

func (s *fastState) TryTransition(from, to taskState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

func (s *fastState) TransitionAny(validFrom []taskState, to taskState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint32(from), uint32(to)) {
			return true
		}
	}
	return false
}
