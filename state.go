package evloop

import (
	"weak"
)

// promiseState is the type-erased view of a state cell, used for the
// backward (strong) chain link and forward cancellation. The typed
// methods live on state[T, E].
type promiseState interface {
	// cancel transitions the state to Cancelled if it is not yet
	// terminal, releasing payload, continuation and any attached
	// coroutine frame, then walks the cancellation forward.
	cancel() bool

	// currentStatus returns the state's lifecycle status.
	currentStatus() Status

	// setNext installs the weak forward link to the downstream state.
	setNext(next weakState)

	// clearNext drops the weak forward link.
	clearNext()
}

// weakState upgrades a weak downstream reference, returning nil when the
// downstream state has been dropped.
type weakState func() promiseState

// propagator forwards an upstream continuation's output into the
// downstream state without the upstream knowing how the downstream
// settles. state[U, F] implements propagator[U, F]; upstream callbacks
// reach it through a weak reference to the downstream state captured
// when the callback is attached (see ThenResult and ThenPromise).
type propagator[U, F any] interface {
	propagateResult(r Result[U, F])
	propagatePromise(inner Promise[U, F])
}

// state is the shared mutable cell behind a promise: lifecycle status,
// the pending payload, the single consumer continuation, the executor
// the continuation is routed to, the chain links, and the handle of a
// suspended coroutine frame when the promise was produced by Async.
//
// A state is owned by a single event loop and carries no internal
// locking; all mutation must happen on that loop's goroutine (producers
// on foreign goroutines route through RemoteExecutor.Dispatch).
type state[T, E any] struct {
	status  Status
	payload Result[T, E]       // held exactly while status is Pre*
	cont    func(Result[T, E]) // at most one, ever
	exec    Executor
	prev    promiseState // strong ref: keeps the upstream alive while we wait on it
	next    weakState    // weak ref: forward cancellation
	frame   Handle       // suspended coroutine frame, if any
}

var (
	_ promiseState         = (*state[int, error])(nil)
	_ propagator[int, int] = (*state[int, int])(nil)
)

func newState[T, E any](exec Executor) *state[T, E] {
	return &state[T, E]{status: StatusInit, exec: exec}
}

// weakOf returns an upgrade function over a weak reference to s.
func weakOf[T, E any](s *state[T, E]) func() *state[T, E] {
	return weak.Make(s).Value
}

func (s *state[T, E]) currentStatus() Status { return s.status }

func (s *state[T, E]) setNext(next weakState) { s.next = next }

func (s *state[T, E]) clearNext() { s.next = nil }

// resolve stores the value payload and transitions Init → PreResolved.
// Returns false when the state already left Init.
func (s *state[T, E]) resolve(v T) bool {
	if s.status != StatusInit {
		return false
	}
	s.status = StatusPreResolved
	s.payload = Value[T, E](v)
	s.tryDispatch()
	return true
}

// reject stores the error payload and transitions Init → PreRejected.
// Returns false when the state already left Init.
func (s *state[T, E]) reject(e E) bool {
	if s.status != StatusInit {
		return false
	}
	s.status = StatusPreRejected
	s.payload = Err[T, E](e)
	s.tryDispatch()
	return true
}

// cancel transitions to Cancelled from Init or either Pre* state. The
// payload and continuation are released, an attached coroutine frame is
// destroyed before cancel returns, and the cancellation walks forward
// down the chain through the weak link. Cancelling never walks
// backward: the upstream keeps settling and simply finds its downstream
// gone.
func (s *state[T, E]) cancel() bool {
	switch s.status {
	case StatusInit, StatusPreResolved, StatusPreRejected:
	default:
		return false
	}

	s.status = StatusCancelled
	s.payload = Result[T, E]{}
	s.cont = nil

	if f := s.frame; f != nil {
		s.frame = nil
		f.Destroy()
	}

	// Release the upstream; it only held us weakly.
	if s.prev != nil {
		s.prev.clearNext()
		s.prev = nil
	}

	if s.next != nil {
		if down := s.next(); down != nil {
			down.cancel()
		}
		s.next = nil
	}

	return true
}

// attach installs the consumer continuation. The executor binding is
// overwritten only when exec is non-nil, unless override forces the
// assignment (the awaiter's suspend path uses override to pin the
// captured current executor, including the executor-less inline case).
//
// Attaching twice to the same state is a caller bug.
func (s *state[T, E]) attach(cont func(Result[T, E]), exec Executor, override bool) {
	if s.status == StatusCancelled {
		return
	}
	if s.cont != nil {
		panic("evloop: promise already has a continuation attached")
	}
	if override || exec != nil {
		s.exec = exec
	}
	s.cont = cont
	s.tryDispatch()
}

// hasHandler reports whether a continuation is attached and not yet
// dispatched.
func (s *state[T, E]) hasHandler() bool { return s.cont != nil }

// tryDispatch completes the settle/attach rendezvous: when both payload
// and continuation are present the payload and continuation are moved
// out, the status advances Pre* → terminal, and the continuation is
// scheduled on the bound executor (or run inline when none is bound).
func (s *state[T, E]) tryDispatch() {
	if s.cont == nil || !s.status.settled() {
		return
	}

	cont := s.cont
	s.cont = nil
	val := s.payload
	s.payload = Result[T, E]{}

	if s.status == StatusPreResolved {
		s.status = StatusResolved
	} else {
		s.status = StatusRejected
	}

	s.runInExecutor(func() { cont(val) })
}

func (s *state[T, E]) runInExecutor(fn func()) {
	if s.exec != nil {
		s.exec.Post(fn, PriorityLow)
	} else {
		fn()
	}
}

// watch links s downstream of up: s holds the strong backward ref, up
// holds only a weak forward ref. Any previous upstream is unlinked
// first, which happens when promise-flattening re-parents a downstream
// state onto an inner promise.
func (s *state[T, E]) watch(up promiseState) {
	if s.prev != nil {
		s.prev.clearNext()
	}
	s.prev = up
	wp := weak.Make(s)
	up.setNext(func() promiseState {
		if p := wp.Value(); p != nil {
			return p
		}
		return nil
	})
}

// propagateResult settles s from the Result returned by the upstream
// continuation: value arm resolves, error arm rejects. The empty arm is
// never observable after settlement and is ignored.
func (s *state[T, E]) propagateResult(r Result[T, E]) {
	switch {
	case r.IsValue():
		s.resolve(r.value)
	case r.IsError():
		s.reject(r.err)
	}
}

// propagatePromise re-parents s onto the inner promise returned by the
// upstream continuation and forwards the inner settlement into s. This
// is the flattening step: the consumer observes Promise[T, E], never a
// promise of a promise.
func (s *state[T, E]) propagatePromise(inner Promise[T, E]) {
	s.watch(inner.s)
	wp := weak.Make(s)
	inner.s.attach(func(r Result[T, E]) {
		if down := wp.Value(); down != nil {
			down.propagateResult(r)
		}
	}, nil, false)
}
