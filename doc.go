// Package evloop is an asynchronous execution library built around three
// tightly coupled abstractions: a single-threaded event loop that
// multiplexes I/O readiness and timers with a prioritized task queue; a
// deferred-result promise state machine supporting chaining,
// cancellation and composition; and a coroutine bridge that lets a
// suspendable computation await a promise and itself return a promise.
//
// # Promises
//
// A [Promise] is the consumer handle over a shared state cell whose
// lifecycle runs Init → PreResolved/PreRejected → Resolved/Rejected,
// with Cancelled reachable from any pre-terminal state. The Pre* split
// distinguishes "the producer has settled the payload" from "the
// consumer's continuation has been dispatched"; settle and attach
// commute, converging to the same dispatched state in either order.
// Producers settle through a [Resolver], which holds only a weak
// reference and cannot extend the life of a chain whose consumer has
// gone away.
//
// Chains are built with [Promise.Then] (terminal observer), [ThenResult]
// (transforming continuation) and [ThenPromise] (promise-returning
// continuation, flattened so the consumer never sees a promise of a
// promise). Each downstream state holds a strong reference to its
// upstream and is held only weakly in return; cancellation walks forward
// down the chain, never backward.
//
// Note the unusual sense of [Promise.IsPending]: a promise is "pending"
// when it holds a settled-but-not-yet-dispatched payload, not when it is
// merely unsettled. The awaiter's ready check depends on this.
//
// # Composition
//
// [All], [AllUnit], [Any] and [Race] compose same-typed promises into an
// aggregate, each short-circuiting on its first decisive event. Result
// and error vectors preserve input-index order; first-settled wins
// arrival-order ties.
//
// # Coroutines
//
// [Async] runs a suspendable body and returns the promise of its result;
// inside the body, [Await] suspends until a promise settles, resuming on
// the executor current at the suspension site. Cancelling the returned
// promise destroys the suspended frame, running its deferred cleanups.
//
// # The loop
//
// [Loop] implements the four collaborator surfaces the promise core
// consumes — [Executor], [RemoteExecutor], [TimerProvider] and
// [IOProvider] — over a poll(2) backend (linux and darwin). Everything
// runs on the loop goroutine; the task queues are the only
// cross-goroutine state, and [Loop.Dispatch] is the only entry foreign
// goroutines may use (wrap [Resolver] calls in it). Scheduling drains
// strictly higher [Priority] classes first, FIFO within a class.
//
// # Usage
//
//	loop, err := evloop.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	p := evloop.NewPromise[int, error](loop)
//	res := p.Resolver()
//
//	q := evloop.ThenResult(p, func(r evloop.Result[int, error]) evloop.Result[string, error] {
//		if r.IsError() {
//			return evloop.Err[string](r.Error())
//		}
//		return evloop.Value[string, error](strconv.Itoa(r.Value()))
//	})
//	q.Then(func(r evloop.Result[string, error]) {
//		fmt.Println(r.Value())
//		_ = loop.Close()
//	})
//
//	loop.RunAfter(time.Second, func() { res.Resolve(42) })
//
//	if err := loop.Run(context.Background()); err != nil {
//		log.Fatal(err)
//	}
package evloop
