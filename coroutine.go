package evloop

import (
	"sync"
	"sync/atomic"
)

// The coroutine bridge runs an async body on a dedicated goroutine with
// synchronous handoff: control belongs to exactly one side at a time.
// The body runs inline (its starter blocked) until it first suspends in
// [Await]; each Resume transfers control back into the body until the
// next suspension or completion. Interleaving therefore matches a
// suspendable computation on the loop goroutine, even though the frame
// lives on its own goroutine.

type coroEventKind uint8

const (
	coroSuspended coroEventKind = iota
	coroFinished
)

type coroEvent struct {
	panicVal any
	kind     coroEventKind
}

// frameDestroyed is the sentinel panic that unwinds a destroyed frame.
type frameDestroyed struct{}

// Coro is a suspended async frame. It is handed to the body by [Async]
// and consumed by [Await]; it also implements [Handle] so the owning
// promise state can destroy the frame on cancellation.
type Coro struct {
	park      chan struct{}  // controller → body: resume
	events    chan coroEvent // body → controller: suspended / finished
	destroyed chan struct{}
	exec      Executor // executor current at the last transfer into the body
	done      atomic.Bool
	destroy   sync.Once
}

var _ Handle = (*Coro)(nil)

func newCoro() *Coro {
	return &Coro{
		park:      make(chan struct{}),
		events:    make(chan coroEvent),
		destroyed: make(chan struct{}),
	}
}

// Async runs fn as an async body and returns the promise of its result.
// The returned promise's state owns the frame: cancelling the promise
// before the body completes destroys the frame, unwinding it so that
// deferred cleanups run.
//
// On return from fn, the body's Result settles the promise: the value
// arm resolves, the error arm rejects. A panic in the body is not
// converted to rejection; it is re-raised on the goroutine that was
// running the body at the time (the starter before the first
// suspension, the resuming executor context afterwards).
func Async[T, E any](fn func(co *Coro) Result[T, E], exec ...Executor) Promise[T, E] {
	p := NewPromise[T, E](exec...)
	co := newCoro()
	co.exec = Current()
	p.s.frame = co
	res := p.Resolver()

	go func() {
		var pv any
		func() {
			defer func() {
				if r := recover(); r != nil {
					if _, ok := r.(frameDestroyed); ok {
						return
					}
					pv = r
				}
			}()

			r := fn(co)
			switch {
			case r.IsValue():
				res.Resolve(r.Value())
			case r.IsError():
				res.Reject(r.Error())
			default:
				panic("evloop: async body returned an empty Result")
			}
		}()

		co.done.Store(true)
		co.events <- coroEvent{kind: coroFinished, panicVal: pv}
		close(co.events)
	}()

	co.wait()
	return p
}

// Await suspends the body until p settles and returns the settled
// Result. When p is pending (settled but undispatched) the value is
// already available: it is read synchronously through an inline
// continuation and no suspension occurs. Otherwise a continuation is
// installed that stores the Result and resumes the frame on the
// executor current at this suspension site; with no current executor
// the resumption runs inline on the settling goroutine.
//
// Await must only be called from within the body that received co.
func Await[T, E any](co *Coro, p Promise[T, E]) Result[T, E] {
	if p.IsPending() {
		var out Result[T, E]
		p.s.attach(func(r Result[T, E]) { out = r }, nil, true)
		return out
	}

	var out Result[T, E]
	p.s.attach(func(r Result[T, E]) {
		out = r
		co.Resume()
	}, co.exec, true)

	co.suspend()
	return out
}

// wait blocks the controller until the body suspends or finishes,
// re-raising any panic that escaped the body.
func (c *Coro) wait() {
	ev, ok := <-c.events
	if !ok {
		return
	}
	if ev.panicVal != nil {
		panic(ev.panicVal)
	}
}

// suspend parks the body until resumed or destroyed. Runs on the body
// goroutine.
func (c *Coro) suspend() {
	c.events <- coroEvent{kind: coroSuspended}
	select {
	case <-c.park:
	case <-c.destroyed:
		panic(frameDestroyed{})
	}
}

// Resume transfers control into the parked frame until its next
// suspension or completion. It captures the calling goroutine's current
// executor as the frame's new resumption context. Resuming a destroyed
// or completed frame is a no-op.
func (c *Coro) Resume() {
	if c.done.Load() {
		return
	}
	c.exec = Current()
	c.park <- struct{}{}
	c.wait()
}

// Destroy unwinds a parked frame: its deferred cleanups run and the
// frame's goroutine exits before Destroy returns. Destroying a
// completed frame is a no-op.
func (c *Coro) Destroy() {
	c.destroy.Do(func() {
		// Snapshot before waking the body: once destroyed is closed the
		// body flips done on its way out, and we must still consume its
		// final event.
		wasDone := c.done.Load()
		close(c.destroyed)
		if !wasDone {
			<-c.events
		}
	})
}
