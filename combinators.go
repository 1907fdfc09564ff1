package evloop

// Combinators compose a sequence of promises of identical type into a
// single aggregate promise. All three are short-circuit by first
// decisive event; they differ in what counts as decisive.
//
// The aggregate promise does not own the input slice; the caller keeps
// the inputs alive until the aggregate settles. The per-combinator
// context is owned jointly by the continuations attached to each input
// and is released once every input has settled.

// All returns a promise that resolves with the input values in input
// order once every input resolves, or rejects with the first error
// encountered. An empty input resolves immediately with an empty slice.
//
// The executor routes each input's continuation; pass nil to keep the
// inputs' own executors.
func All[T, E any](promises []Promise[T, E], exec Executor) Promise[[]T, E] {
	out := NewPromise[[]T, E]()
	res := out.Resolver()

	if len(promises) == 0 {
		res.Resolve([]T{})
		return out
	}

	ctx := &struct {
		values    []T
		remaining int
	}{
		values:    make([]T, len(promises)),
		remaining: len(promises),
	}

	for i := range promises {
		idx := i
		promises[i].Then(func(r Result[T, E]) {
			if r.IsError() {
				res.Reject(r.Error())
				return
			}

			ctx.values[idx] = r.Value()

			ctx.remaining--
			if ctx.remaining > 0 {
				return
			}
			res.Resolve(ctx.values)
		}, exec)
	}

	return out
}

// AllUnit is All for unit-valued promises: it resolves with Unit once
// every input resolves, with no value vector.
func AllUnit[E any](promises []Promise[Unit, E], exec Executor) Promise[Unit, E] {
	out := NewPromise[Unit, E]()
	res := out.Resolver()

	if len(promises) == 0 {
		res.Resolve(Unit{})
		return out
	}

	ctx := &struct{ remaining int }{remaining: len(promises)}

	for i := range promises {
		promises[i].Then(func(r Result[Unit, E]) {
			if r.IsError() {
				res.Reject(r.Error())
				return
			}

			ctx.remaining--
			if ctx.remaining > 0 {
				return
			}
			res.Resolve(Unit{})
		}, exec)
	}

	return out
}

// Any returns a promise that resolves with the first value to arrive,
// or rejects with the errors of all inputs (positioned by input index)
// once every input has rejected. An empty input is a precondition
// violation.
func Any[T, E any](promises []Promise[T, E], exec Executor) Promise[T, []E] {
	if len(promises) == 0 {
		panic("evloop: Any requires at least one input promise")
	}

	out := NewPromise[T, []E]()
	res := out.Resolver()

	ctx := &struct {
		errors    []E
		remaining int
	}{
		errors:    make([]E, len(promises)),
		remaining: len(promises),
	}

	for i := range promises {
		idx := i
		promises[i].Then(func(r Result[T, E]) {
			if r.IsError() {
				ctx.errors[idx] = r.Error()

				ctx.remaining--
				if ctx.remaining == 0 {
					res.Reject(ctx.errors)
				}
				return
			}

			res.Resolve(r.Value())
		}, exec)
	}

	return out
}

// Race returns a promise that adopts the outcome of the first input to
// settle, value or error. An empty input is a precondition violation.
func Race[T, E any](promises []Promise[T, E], exec Executor) Promise[T, E] {
	if len(promises) == 0 {
		panic("evloop: Race requires at least one input promise")
	}

	out := NewPromise[T, E]()
	res := out.Resolver()

	for i := range promises {
		promises[i].Then(func(r Result[T, E]) {
			if r.IsError() {
				res.Reject(r.Error())
				return
			}
			res.Resolve(r.Value())
		}, exec)
	}

	return out
}
