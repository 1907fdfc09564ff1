//go:build linux || darwin

package evloop

import (
	"container/heap"
	"context"
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Loop is a single-threaded event loop multiplexing I/O readiness and
// timers with a prioritized task queue. It implements all four
// collaborator surfaces the promise core consumes: [Executor],
// [RemoteExecutor], [TimerProvider] and [IOProvider].
//
// Everything scheduled on a Loop — posted callbacks, promise
// continuations, timer and I/O callbacks, resumed coroutines — runs on
// the loop's goroutine, interleaved only at suspension points. The task
// queues are the only cross-goroutine state, guarded by a single mutex;
// [Loop.Dispatch] is the cross-goroutine-safe entry.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	lifecycle *lifecycle
	log       *logiface.Logger[logiface.Event]

	// Task queues, one per priority class, guarded by mu.
	mu     sync.Mutex
	queues [numPriorities][]func()
	spare  [numPriorities][]func()

	// Timers and poller are owned by the loop goroutine.
	timers timerHeap
	poller poller

	// Wake-up pipe.
	wakeReadFd  int
	wakeWriteFd int
	wakeBuf     [8]byte
	wakePending atomic.Uint32

	loopGoroutineID atomic.Uint64
	loopDone        chan struct{}
	stopOnce        sync.Once

	// In-flight submit counter for shutdown synchronization.
	inflight atomic.Int64

	taskBudget  int
	maxPollWait time.Duration
	tickCount   uint64
	id          uint64
}

var (
	_ Executor       = (*Loop)(nil)
	_ RemoteExecutor = (*Loop)(nil)
	_ TimerProvider  = (*Loop)(nil)
	_ IOProvider     = (*Loop)(nil)
)

var loopIDCounter atomic.Uint64

// New creates an event loop. The loop owns a wake-up descriptor pair
// from the moment New returns; call Close or Shutdown to release it even
// if Run is never called.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeReadFd, wakeWriteFd, err := newWakeFd()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		id:          loopIDCounter.Add(1),
		lifecycle:   newLifecycle(),
		log:         cfg.logger,
		taskBudget:  cfg.taskBudget,
		maxPollWait: cfg.maxPollWait,
		wakeReadFd:  wakeReadFd,
		wakeWriteFd: wakeWriteFd,
		loopDone:    make(chan struct{}),
	}
	l.poller.init()

	if err := l.poller.register(wakeReadFd, EventRead, false, func(IOEvents) {
		l.drainWakePipe()
	}); err != nil {
		_ = unix.Close(wakeReadFd)
		if wakeWriteFd != wakeReadFd {
			_ = unix.Close(wakeWriteFd)
		}
		return nil, err
	}

	return l, nil
}

// Run runs the event loop on the calling goroutine and blocks until the
// loop terminates (Shutdown, Close, or ctx cancellation). While running,
// the loop is installed as the current executor for its goroutine, so
// promises awaited there resume on this loop.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.lifecycle.tryTransition(StateAwake, StateRunning) {
		if l.lifecycle.load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	return l.run(ctx)
}

// run is the loop body. It owns the loop goroutine for its duration.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	gid := getGoroutineID()
	l.loopGoroutineID.Store(gid)
	defer l.loopGoroutineID.Store(0)

	setCurrentExecutor(gid, l)
	defer clearCurrentExecutor(gid)

	l.log.Debug().Uint64("loop", l.id).Log("loop running")

	// Watcher wakes the loop when ctx is cancelled.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.submitWakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	var runErr error
	for {
		if ctx.Err() != nil {
			l.beginTerminating()
			runErr = ctx.Err()
			break
		}

		if s := l.lifecycle.load(); s == StateTerminating || s == StateTerminated {
			break
		}

		l.tick()
	}

	l.drainForShutdown()
	l.lifecycle.store(StateTerminated)
	if err := l.closeFDs(); err != nil {
		l.log.Warning().Uint64("loop", l.id).Err(err).Log("fd teardown failed")
	}
	l.log.Debug().Uint64("loop", l.id).Log("loop terminated")
	return runErr
}

// tick is a single scheduler pass: expired timers, then the priority
// queues (High → Medium → Low), then poll.
func (l *Loop) tick() {
	l.tickCount++
	l.runTimers()
	l.processQueues()
	l.poll()
}

// processQueues drains a snapshot of each priority class, strictly
// higher classes first. A class's snapshot is taken when its turn comes:
// tasks posted to a class after its snapshot run next pass, while tasks
// posted to a lower class before its turn run in this pass.
func (l *Loop) processQueues() {
	for prio := PriorityHigh; prio >= PriorityLow; prio-- {
		l.mu.Lock()
		tasks := l.queues[prio]
		l.queues[prio] = l.spare[prio]
		l.mu.Unlock()

		for i := range tasks {
			l.safeExecute(tasks[i])
			tasks[i] = nil
		}
		l.spare[prio] = tasks[:0]

		l.mu.Lock()
		backlog := len(l.queues[prio])
		l.mu.Unlock()
		if backlog > l.taskBudget {
			l.log.Warning().
				Uint64("loop", l.id).
				Stringer("priority", prio).
				Int("backlog", backlog).
				Err(ErrLoopOverloaded).
				Log("task backlog exceeds budget")
		}
	}
}

// runTimers fires every timer whose deadline has passed. Cancelled
// timers are dropped; repeating timers are rescheduled unless cancelled
// by their own callback.
func (l *Loop) runTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		e := heap.Pop(&l.timers).(timerEntry)
		if e.t.cancelled.Load() {
			continue
		}
		e.t.fired.Store(true)
		l.safeExecute(e.t.fn)
		if e.t.interval > 0 && !e.t.cancelled.Load() {
			heap.Push(&l.timers, timerEntry{when: now.Add(e.t.interval), t: e.t})
		}
	}
}

// poll blocks for I/O readiness up to the next timer deadline. With
// tasks already queued it degrades to a non-blocking readiness sweep so
// I/O is still serviced under load.
func (l *Loop) poll() {
	if l.lifecycle.load() != StateRunning {
		return
	}

	timeout := l.pollTimeout()
	if timeout != 0 {
		if !l.lifecycle.tryTransition(StateRunning, StateSleeping) {
			return
		}
		// Recheck after publishing Sleeping: a Dispatch racing the
		// transition may have enqueued without writing the wake pipe.
		if l.queuedTasks() > 0 {
			l.lifecycle.tryTransition(StateSleeping, StateRunning)
			timeout = 0
		}
	}

	_, err := l.poller.poll(timeout)
	if err != nil {
		l.log.Err().Uint64("loop", l.id).Err(err).Log("poll failed, terminating loop")
		l.beginTerminating()
		return
	}

	l.lifecycle.tryTransition(StateSleeping, StateRunning)
}

// pollTimeout returns the poll budget in milliseconds: zero when work is
// queued, otherwise the earlier of the next timer deadline and the
// configured cap. Sub-millisecond deadlines round up so a due timer is
// not spun on.
func (l *Loop) pollTimeout() int {
	if l.queuedTasks() > 0 {
		return 0
	}

	maxWait := l.maxPollWait
	if len(l.timers) > 0 {
		delay := time.Until(l.timers[0].when)
		if delay < 0 {
			return 0
		}
		if delay < maxWait {
			maxWait = delay
		}
	}

	if maxWait > 0 && maxWait < time.Millisecond {
		return 1
	}
	return int(maxWait.Milliseconds())
}

func (l *Loop) queuedTasks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[PriorityLow]) + len(l.queues[PriorityMedium]) + len(l.queues[PriorityHigh])
}

// submit enqueues fn into the given priority class and wakes the loop if
// it is sleeping. Safe from any goroutine.
func (l *Loop) submit(fn func(), prio Priority) error {
	if fn == nil {
		return nil
	}
	if prio < PriorityLow || prio > PriorityHigh {
		prio = PriorityLow
	}

	// Count the submit before checking state so the shutdown drain can
	// wait for us to either enqueue or bail.
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.lifecycle.load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.mu.Lock()
	l.queues[prio] = append(l.queues[prio], fn)
	l.mu.Unlock()

	if l.lifecycle.load() == StateSleeping {
		if l.wakePending.CompareAndSwap(0, 1) {
			if err := l.submitWakeup(); err != nil {
				// Pipe errors are expected while shutting down; the task
				// is queued and will be drained regardless.
				l.wakePending.Store(0)
			}
		}
	}

	return nil
}

// Post enqueues fn for in-loop execution. It is the [Executor] surface:
// call it from the loop goroutine (continuations, timer and I/O
// callbacks). Posting to a terminated loop drops the callback.
func (l *Loop) Post(fn func(), prio Priority) {
	if err := l.submit(fn, prio); err != nil {
		l.log.Debug().Uint64("loop", l.id).Err(err).Log("post dropped")
	}
}

// Dispatch enqueues fn from any goroutine, waking the loop when needed.
// On the loop goroutine it behaves as Post. This is the only entry
// producers on foreign goroutines may use (typically to wrap Resolver
// calls). Dispatching to a terminated loop drops the callback.
func (l *Loop) Dispatch(fn func(), prio Priority) {
	if err := l.submit(fn, prio); err != nil {
		l.log.Debug().Uint64("loop", l.id).Err(err).Log("dispatch dropped")
	}
}

// RunAfter schedules fn to run once on the loop after delay.
func (l *Loop) RunAfter(delay time.Duration, fn func()) TimerEvent {
	return l.schedule(delay, 0, fn)
}

// RunEvery schedules fn to run on the loop every interval until the
// returned event is cancelled.
func (l *Loop) RunEvery(interval time.Duration, fn func()) TimerEvent {
	return l.schedule(interval, interval, fn)
}

func (l *Loop) schedule(delay, interval time.Duration, fn func()) TimerEvent {
	t := &Timer{loop: l, fn: fn, interval: interval}
	when := time.Now().Add(delay)
	if err := l.submit(func() {
		heap.Push(&l.timers, timerEntry{when: when, t: t})
	}, PriorityHigh); err != nil {
		t.cancelled.Store(true)
		l.log.Debug().Uint64("loop", l.id).Err(err).Log("timer dropped")
	}
	return t
}

// ioWatch is the [IOEvent] produced by [Loop.AddIO].
type ioWatch struct {
	loop      *Loop
	fd        int
	fired     atomic.Bool
	cancelled atomic.Bool
}

var _ IOEvent = (*ioWatch)(nil)

// Cancel withdraws the readiness interest. Safe from any goroutine.
func (w *ioWatch) Cancel() {
	if !w.cancelled.CompareAndSwap(false, true) {
		return
	}
	w.loop.Dispatch(func() {
		w.loop.poller.unregister(w.fd)
	}, PriorityHigh)
}

// Fired reports whether the readiness callback ran.
func (w *ioWatch) Fired() bool { return w.fired.Load() }

// Cancelled reports whether Cancel was called.
func (w *ioWatch) Cancelled() bool { return w.cancelled.Load() }

// AddIO registers a one-shot readiness interest for fd: fn runs on the
// loop goroutine the first time fd becomes ready for any of the
// requested events, after which the interest is withdrawn.
//
// From the loop goroutine, registration is immediate and errors are
// returned. From other goroutines, registration is routed through
// Dispatch; failures are logged and surface as a cancelled event.
func (l *Loop) AddIO(fd int, events IOEvents, fn func()) (IOEvent, error) {
	if fd < 0 {
		return nil, ErrInvalidFd
	}
	if l.lifecycle.load() == StateTerminated {
		return nil, ErrLoopTerminated
	}

	w := &ioWatch{loop: l, fd: fd}
	register := func() error {
		return l.poller.register(fd, events, true, func(IOEvents) {
			if w.cancelled.Load() {
				return
			}
			w.fired.Store(true)
			fn()
		})
	}

	if l.isLoopThread() {
		if err := register(); err != nil {
			return nil, err
		}
		return w, nil
	}

	l.Dispatch(func() {
		if err := register(); err != nil {
			w.cancelled.Store(true)
			l.log.Warning().Uint64("loop", l.id).Int("fd", fd).Err(err).Log("io registration failed")
		}
	}, PriorityHigh)
	return w, nil
}

// Shutdown gracefully stops the loop: queued tasks are drained before
// termination. Blocks until the loop has fully stopped or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	ran := false
	l.stopOnce.Do(func() {
		ran = true
		result = l.shutdownImpl(ctx)
	})
	if !ran {
		return ErrLoopTerminated
	}
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	for {
		current := l.lifecycle.load()
		if current == StateTerminated || current == StateTerminating {
			return ErrLoopTerminated
		}

		if l.lifecycle.tryTransition(current, StateTerminating) {
			if current == StateAwake {
				// Never ran: tear down directly.
				l.lifecycle.store(StateTerminated)
				return l.closeFDs()
			}
			if current == StateSleeping {
				_ = l.submitWakeup()
			}
			break
		}
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop without waiting for it to finish draining.
// Returns ErrLoopTerminated when the loop is already stopped.
func (l *Loop) Close() error {
	for {
		current := l.lifecycle.load()
		if current == StateTerminated {
			return ErrLoopTerminated
		}

		if l.lifecycle.tryTransition(current, StateTerminating) {
			if current == StateAwake {
				l.lifecycle.store(StateTerminated)
				return l.closeFDs()
			}
			if current == StateSleeping {
				_ = l.submitWakeup()
			}
			return nil
		}
	}
}

// State returns the loop's lifecycle state.
func (l *Loop) State() LoopState { return l.lifecycle.load() }

// beginTerminating moves any live state to Terminating, waking the loop
// if it is asleep.
func (l *Loop) beginTerminating() {
	for {
		current := l.lifecycle.load()
		if current == StateTerminating || current == StateTerminated {
			return
		}
		if l.lifecycle.tryTransition(current, StateTerminating) {
			if current == StateSleeping {
				_ = l.submitWakeup()
			}
			return
		}
	}
}

// drainForShutdown empties the task queues, waiting out racing submits,
// then cancels every outstanding timer. Runs on the loop goroutine.
func (l *Loop) drainForShutdown() {
	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		for l.inflight.Load() > 0 {
			runtime.Gosched()
		}

		drained := false
		for prio := PriorityHigh; prio >= PriorityLow; prio-- {
			l.mu.Lock()
			tasks := l.queues[prio]
			l.queues[prio] = nil
			l.mu.Unlock()

			for _, fn := range tasks {
				l.safeExecute(fn)
				drained = true
			}
		}

		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	for i := range l.timers {
		l.timers[i].t.cancelled.Store(true)
	}
	l.timers = nil
}

// drainWakePipe empties the wake-up descriptor and resets deduplication.
func (l *Loop) drainWakePipe() {
	for {
		if _, err := unix.Read(l.wakeReadFd, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// submitWakeup writes to the wake-up pipe. Allowed in every state but
// Terminated: a terminating loop still needs waking to finish its drain.
func (l *Loop) submitWakeup() error {
	if l.lifecycle.load() == StateTerminated {
		return ErrLoopTerminated
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(l.wakeWriteFd, buf[:])
	return err
}

// safeExecute runs a task with panic recovery; a panicking task is
// logged and the loop keeps going.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Err().Uint64("loop", l.id).Err(PanicError{Value: r}).Log("task panicked")
		}
	}()
	fn()
}

// closeFDs releases the wake-up descriptors, aggregating teardown
// failures.
func (l *Loop) closeFDs() error {
	var errs *multierror.Error
	if err := unix.Close(l.wakeReadFd); err != nil {
		errs = multierror.Append(errs, err)
	}
	if l.wakeWriteFd != l.wakeReadFd {
		if err := unix.Close(l.wakeWriteFd); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// isLoopThread reports whether the caller is the loop goroutine.
func (l *Loop) isLoopThread() bool {
	gid := l.loopGoroutineID.Load()
	return gid != 0 && gid == getGoroutineID()
}
