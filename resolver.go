package evloop

import (
	"weak"
)

// Resolver is the producer handle over a promise state. It holds only a
// weak reference: a producer (timer callback, I/O callback, a signal
// from another coroutine) must not extend the lifetime of a chain whose
// consumer has gone away. Every operation upgrades the reference and
// reports false, without effect, when the state has been dropped.
//
// Resolvers are copyable. Like the state itself they are not
// thread-safe: invoke them on the owning loop's goroutine, or wrap the
// call in [RemoteExecutor.Dispatch] from foreign goroutines.
type Resolver[T, E any] struct {
	w weak.Pointer[state[T, E]]
}

func newResolver[T, E any](s *state[T, E]) Resolver[T, E] {
	return Resolver[T, E]{w: weak.Make(s)}
}

// Resolve settles the state with v. Returns false when the state is
// gone or already left Init.
func (r Resolver[T, E]) Resolve(v T) bool {
	if s := r.w.Value(); s != nil {
		return s.resolve(v)
	}
	return false
}

// Reject settles the state with the error e. Returns false when the
// state is gone or already left Init.
func (r Resolver[T, E]) Reject(e E) bool {
	if s := r.w.Value(); s != nil {
		return s.reject(e)
	}
	return false
}

// Cancel cancels the state and its downstream chain. Returns false when
// the state is gone or already terminal.
func (r Resolver[T, E]) Cancel() bool {
	if s := r.w.Value(); s != nil {
		return s.cancel()
	}
	return false
}

// Status returns the state's lifecycle status; ok is false when the
// state has been dropped.
func (r Resolver[T, E]) Status() (status Status, ok bool) {
	if s := r.w.Value(); s != nil {
		return s.status, true
	}
	return 0, false
}
