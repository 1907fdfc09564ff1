//go:build linux || darwin

package evloop

import (
	"sync/atomic"
)

// LoopState is the lifecycle state of a [Loop].
//
// State Machine:
//
//	StateAwake → StateRunning            [Run]
//	StateRunning ⇄ StateSleeping         [poll enter/exit, CAS]
//	StateRunning/StateSleeping → StateTerminating  [Shutdown/Close/ctx]
//	StateAwake → StateTerminated         [Shutdown before Run]
//	StateTerminating → StateTerminated   [drain complete]
//
// Temporary states (Running, Sleeping) transition by CAS only; the
// terminal Terminated state is stored unconditionally once the drain
// completes.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the loop is actively processing tasks.
	StateRunning
	// StateSleeping indicates the loop is blocked in poll awaiting events.
	StateSleeping
	// StateTerminating indicates shutdown was requested but the drain has
	// not completed.
	StateTerminating
	// StateTerminated indicates the loop is fully stopped.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// lifecycle is the loop's lock-free state cell, cache-line padded to
// keep the hot CAS word off shared lines.
type lifecycle struct {
	_ [64]byte //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

func newLifecycle() *lifecycle {
	s := &lifecycle{}
	s.v.Store(uint64(StateAwake))
	return s
}

func (s *lifecycle) load() LoopState { return LoopState(s.v.Load()) }

func (s *lifecycle) store(state LoopState) { s.v.Store(uint64(state)) }

func (s *lifecycle) tryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
