package evloop

import (
	"sync"
	"time"
)

// Priority selects the scheduling class of a posted callback. Each
// scheduler pass drains strictly higher classes first; within a class,
// callbacks run in FIFO order of their posting.
type Priority int

const (
	// PriorityLow is the default class for continuations.
	PriorityLow Priority = iota
	// PriorityMedium runs ahead of Low in every scheduler pass.
	PriorityMedium
	// PriorityHigh runs ahead of both other classes.
	PriorityHigh

	numPriorities = 3
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// Executor enqueues callbacks for in-loop execution. Post may only be
// called from the loop's own goroutine (continuation dispatch, timer and
// I/O callbacks); cross-goroutine producers use [RemoteExecutor].
type Executor interface {
	Post(fn func(), prio Priority)
}

// RemoteExecutor is the cross-goroutine-safe enqueue surface. Invoked on
// the loop's own goroutine, Dispatch behaves as Post.
type RemoteExecutor interface {
	Dispatch(fn func(), prio Priority)
}

// TimerEvent observes a scheduled timer. Cancel is effective until the
// callback has started; a cancelled timer never fires again (including
// repeating timers between firings).
type TimerEvent interface {
	Cancel()
	Fired() bool
	Cancelled() bool
}

// IOEvent observes a registered I/O readiness interest. The callback
// fires once on readiness; Cancel withdraws the interest.
type IOEvent interface {
	Cancel()
	Fired() bool
	Cancelled() bool
}

// IOEvents is a bit set of I/O readiness interests.
type IOEvents uint32

const (
	// EventRead requests readability notification.
	EventRead IOEvents = 1 << iota
	// EventWrite requests writability notification.
	EventWrite
)

// TimerProvider schedules delayed and repeating callbacks on the loop.
type TimerProvider interface {
	RunAfter(delay time.Duration, fn func()) TimerEvent
	RunEvery(interval time.Duration, fn func()) TimerEvent
}

// IOProvider registers file-descriptor readiness interests with the
// loop. The callback fires once on the loop goroutine when the fd is
// ready for any of the requested events.
type IOProvider interface {
	AddIO(fd int, events IOEvents, fn func()) (IOEvent, error)
}

// Handle is an opaque suspended coroutine frame. Resume transfers
// control into the frame until its next suspension; Destroy unwinds it,
// running deferred cleanups. Never resume a frame whose promise has
// been cancelled: cancellation already destroyed it.
type Handle interface {
	Resume()
	Destroy()
}

// currentExecutors maps goroutine ids to the executor "current" on that
// goroutine, the per-thread slot the awaiter captures at suspension to
// pick its resumption context. A loop installs itself for the duration
// of Run.
var currentExecutors struct {
	sync.RWMutex
	m map[uint64]Executor
}

// Current returns the executor installed on the calling goroutine, or
// nil when none is running here.
func Current() Executor {
	id := getGoroutineID()
	currentExecutors.RLock()
	defer currentExecutors.RUnlock()
	return currentExecutors.m[id]
}

func setCurrentExecutor(id uint64, exec Executor) {
	currentExecutors.Lock()
	defer currentExecutors.Unlock()
	if currentExecutors.m == nil {
		currentExecutors.m = make(map[uint64]Executor)
	}
	currentExecutors.m[id] = exec
}

func clearCurrentExecutor(id uint64) {
	currentExecutors.Lock()
	defer currentExecutors.Unlock()
	delete(currentExecutors.m, id)
}
