package evloop

// Promise is the consumer handle over a deferred result. It owns the
// shared state cell; chaining via [Promise.Then], [ThenResult] and
// [ThenPromise] links new states downstream, and [Promise.Resolver]
// hands producers a weak settle handle.
//
// A Promise must be created by [NewPromise], [Resolved], [Rejected], [Async],
// [ThenResult], [ThenPromise] or one of the combinators; the zero Promise
// is not usable. Copying a
// Promise shares its state — the copies are views of the same cell, a
// property the coroutine bridge relies on.
type Promise[T, E any] struct {
	s *state[T, E]
}

// NewPromise creates an unsettled promise (status Init; not pending in the
// sense of [Promise.IsPending]). When an executor is supplied it becomes
// the state's default dispatch target for continuations; otherwise
// continuations run inline on whichever goroutine completes the
// settle/attach rendezvous.
func NewPromise[T, E any](exec ...Executor) Promise[T, E] {
	return Promise[T, E]{s: newState[T, E](firstExec(exec))}
}

// Resolved creates a promise already settled with v (status
// PreResolved: the payload is stored, the continuation not yet
// dispatched).
func Resolved[T, E any](v T, exec ...Executor) Promise[T, E] {
	p := NewPromise[T, E](exec...)
	p.s.resolve(v)
	return p
}

// Rejected creates a promise already settled with the error e.
func Rejected[T, E any](e E, exec ...Executor) Promise[T, E] {
	p := NewPromise[T, E](exec...)
	p.s.reject(e)
	return p
}

// Then attaches fn as the terminal continuation: fn observes the settled
// Result and the chain ends here. When exec is supplied it replaces the
// state's bound executor for the dispatch.
func (p Promise[T, E]) Then(fn func(Result[T, E]), exec ...Executor) {
	p.s.attach(fn, firstExec(exec), false)
}

// Resolver returns the producer handle for this promise. The resolver
// holds only a weak reference; it cannot extend the state's lifetime.
func (p Promise[T, E]) Resolver() Resolver[T, E] {
	return newResolver(p.s)
}

// Status returns the state's lifecycle status.
func (p Promise[T, E]) Status() Status { return p.s.status }

// IsPending reports whether the promise is settled but not yet
// dispatched (status PreResolved or PreRejected). Note the unusual
// sense: a promise that has not been settled at all is NOT pending. The
// awaiter's ready check depends on exactly this meaning — an
// already-settled promise is read synchronously, an unsettled one
// suspends.
func (p Promise[T, E]) IsPending() bool { return p.s.status.settled() }

// HasHandler reports whether a continuation is attached and awaiting
// dispatch.
func (p Promise[T, E]) HasHandler() bool { return p.s.hasHandler() }

// Executor returns the state's bound executor, which may be nil.
func (p Promise[T, E]) Executor() Executor { return p.s.exec }

// ThenResult attaches a transforming continuation: fn consumes the
// settled Result and returns a Result of a new type, which is
// propagated into the returned downstream promise (value arm resolves
// it, error arm rejects it). The downstream state is linked into the
// chain before fn can run, so cancelling the upstream also cancels the
// returned promise.
func ThenResult[T, E, U, F any](p Promise[T, E], fn func(Result[T, E]) Result[U, F], exec ...Executor) Promise[U, F] {
	e := firstExec(exec)
	down := newState[U, F](preferExec(e, p.s.exec))
	down.watch(p.s)

	wp := weakOf(down)
	p.s.attach(func(r Result[T, E]) {
		res := fn(r)
		if d := wp(); d != nil {
			var pp propagator[U, F] = d
			pp.propagateResult(res)
		}
	}, e, false)

	return Promise[U, F]{s: down}
}

// ThenPromise attaches a continuation that itself returns a promise.
// The downstream state is linked as with [ThenResult]; when fn's inner
// promise settles, its outcome is forwarded into the downstream state.
// The consumer never observes a promise of a promise.
func ThenPromise[T, E, U, F any](p Promise[T, E], fn func(Result[T, E]) Promise[U, F], exec ...Executor) Promise[U, F] {
	e := firstExec(exec)
	down := newState[U, F](preferExec(e, p.s.exec))
	down.watch(p.s)

	wp := weakOf(down)
	p.s.attach(func(r Result[T, E]) {
		inner := fn(r)
		if d := wp(); d != nil {
			var pp propagator[U, F] = d
			pp.propagatePromise(inner)
		}
	}, e, false)

	return Promise[U, F]{s: down}
}

func firstExec(exec []Executor) Executor {
	if len(exec) > 0 {
		return exec[0]
	}
	return nil
}

func preferExec(prefer, fallback Executor) Executor {
	if prefer != nil {
		return prefer
	}
	return fallback
}
