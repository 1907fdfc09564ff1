//go:build linux || darwin

package evloop

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoop runs a loop on a background goroutine and tears it down with
// the test.
func startLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()

	loop, err := New(opts...)
	require.NoError(t, err)

	go func() { _ = loop.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		s := loop.State()
		return s == StateRunning || s == StateSleeping
	}, 2*time.Second, time.Millisecond, "loop did not start")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Shutdown(ctx)
	})

	return loop
}

func TestLoopRunAndShutdown(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		s := loop.State()
		return s == StateRunning || s == StateSleeping
	}, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.Equal(t, StateTerminated, loop.State())

	// A second Shutdown reports the loop as already terminated.
	assert.ErrorIs(t, loop.Shutdown(context.Background()), ErrLoopTerminated)
}

func TestShutdownBeforeRun(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	require.NoError(t, loop.Shutdown(context.Background()))
	assert.Equal(t, StateTerminated, loop.State())

	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
}

func TestCloseStopsLoop(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		s := loop.State()
		return s == StateRunning || s == StateSleeping
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, loop.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	require.Eventually(t, func() bool {
		return loop.State() == StateTerminated
	}, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, loop.Close(), ErrLoopTerminated)
}

func TestRunCancelledByContext(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := loop.State()
		return s == StateRunning || s == StateSleeping
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func TestReentrantRun(t *testing.T) {
	loop := startLoop(t)

	got := make(chan error, 1)
	loop.Dispatch(func() {
		got <- loop.Run(context.Background())
	}, PriorityLow)

	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrReentrantRun)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched task did not run")
	}
}

func TestDispatchExecutesTaskOnLoop(t *testing.T) {
	loop := startLoop(t)

	gid := make(chan uint64, 1)
	loop.Dispatch(func() { gid <- getGoroutineID() }, PriorityLow)

	select {
	case id := <-gid:
		assert.NotEqual(t, getGoroutineID(), id, "task ran on the caller's goroutine")
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched task did not run")
	}
}

func TestPriorityClassesDrainHighFirst(t *testing.T) {
	loop := startLoop(t)

	var order []string
	done := make(chan struct{})
	loop.Dispatch(func() {
		// Posted from the loop goroutine: all land in fresh queues and
		// run next pass, strictly High before Low, FIFO within a class.
		loop.Post(func() { order = append(order, "low1") }, PriorityLow)
		loop.Post(func() { order = append(order, "med1") }, PriorityMedium)
		loop.Post(func() { order = append(order, "low2") }, PriorityLow)
		loop.Post(func() { order = append(order, "high1") }, PriorityHigh)
		loop.Post(func() { close(done) }, PriorityLow)
	}, PriorityLow)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}
	assert.Equal(t, []string{"high1", "med1", "low1", "low2"}, order)
}

func TestCurrentExecutorInstalledWhileRunning(t *testing.T) {
	loop := startLoop(t)

	assert.Nil(t, Current(), "no executor is current on the test goroutine")

	got := make(chan Executor, 1)
	loop.Dispatch(func() { got <- Current() }, PriorityLow)

	select {
	case exec := <-got:
		assert.Same(t, loop, exec)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched task did not run")
	}
}

func TestRunAfterFires(t *testing.T) {
	loop := startLoop(t)

	fired := make(chan struct{})
	ev := loop.RunAfter(20*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.True(t, ev.Fired())
	assert.False(t, ev.Cancelled())
}

func TestTimerCancelPreventsFiring(t *testing.T) {
	loop := startLoop(t)

	fired := make(chan struct{}, 1)
	ev := loop.RunAfter(50*time.Millisecond, func() { fired <- struct{}{} })
	ev.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(200 * time.Millisecond):
	}
	assert.True(t, ev.Cancelled())
	assert.False(t, ev.Fired())
}

func TestRunEveryRepeatsUntilCancelled(t *testing.T) {
	loop := startLoop(t)

	var count atomic.Int32
	ticked := make(chan struct{}, 16)
	ev := loop.RunEvery(10*time.Millisecond, func() {
		count.Add(1)
		select {
		case ticked <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-ticked:
		case <-time.After(2 * time.Second):
			t.Fatal("interval timer stalled")
		}
	}

	ev.Cancel()
	settled := count.Load()
	time.Sleep(100 * time.Millisecond)
	// At most one in-flight tick may land after Cancel.
	assert.LessOrEqual(t, count.Load(), settled+1)
	assert.True(t, ev.Fired())
	assert.True(t, ev.Cancelled())
}

func TestPromiseSettledViaDispatch(t *testing.T) {
	loop := startLoop(t)

	type handles struct {
		p   Promise[int, error]
		res Resolver[int, error]
	}
	ready := make(chan handles, 1)
	observed := make(chan int, 1)

	loop.Dispatch(func() {
		p := NewPromise[int, error](loop)
		p.Then(func(r Result[int, error]) { observed <- r.Value() })
		ready <- handles{p: p, res: p.Resolver()}
	}, PriorityLow)

	h := <-ready
	loop.Dispatch(func() { h.res.Resolve(42) }, PriorityLow)

	select {
	case got := <-observed:
		assert.Equal(t, 42, got)
	case <-time.After(2 * time.Second):
		t.Fatal("continuation did not run")
	}
	runtime.KeepAlive(h)
}

func TestAwaitResumesViaLoopExecutor(t *testing.T) {
	loop := startLoop(t)

	type handles struct {
		awaited Promise[int, error]
		outer   Promise[int, error]
		res     Resolver[int, error]
	}
	ready := make(chan handles, 1)
	observed := make(chan int, 1)

	loop.Dispatch(func() {
		awaited := NewPromise[int, error]()
		outer := Async(func(co *Coro) Result[int, error] {
			r := Await(co, awaited)
			return Value[int, error](r.Value() + 1)
		})
		outer.Then(func(r Result[int, error]) { observed <- r.Value() })
		ready <- handles{awaited: awaited, outer: outer, res: awaited.Resolver()}
	}, PriorityLow)

	h := <-ready
	loop.Dispatch(func() { h.res.Resolve(9) }, PriorityLow)

	select {
	case got := <-observed:
		assert.Equal(t, 10, got)
	case <-time.After(2 * time.Second):
		t.Fatal("async promise did not resolve")
	}
	runtime.KeepAlive(h)
}

func TestTimeoutViaRaceWithTimer(t *testing.T) {
	loop := startLoop(t)

	errTimeout := errors.New("deadline exceeded")
	var keep []Promise[int, error]
	observed := make(chan Result[int, error], 1)

	loop.Dispatch(func() {
		work := NewPromise[int, error]() // never settles
		timeout := NewPromise[int, error]()
		tres := timeout.Resolver()
		loop.RunAfter(20*time.Millisecond, func() { tres.Reject(errTimeout) })

		keep = append(keep, work, timeout)
		agg := Race([]Promise[int, error]{work, timeout}, loop)
		agg.Then(func(r Result[int, error]) { observed <- r })
	}, PriorityLow)

	select {
	case r := <-observed:
		require.True(t, r.IsError())
		assert.Equal(t, errTimeout, r.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("race did not settle")
	}
	runtime.KeepAlive(keep)
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	go func() { _ = loop.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		s := loop.State()
		return s == StateRunning || s == StateSleeping
	}, 2*time.Second, time.Millisecond)

	const n = 100
	var ran atomic.Int32
	for i := 0; i < n; i++ {
		loop.Dispatch(func() { ran.Add(1) }, PriorityLow)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Shutdown(ctx))
	assert.Equal(t, int32(n), ran.Load())
}

func TestOptionValidation(t *testing.T) {
	_, err := New(WithTaskBudget(0))
	assert.Error(t, err)

	_, err = New(WithMaxPollWait(0))
	assert.Error(t, err)

	loop, err := New(nil, WithTaskBudget(16))
	require.NoError(t, err)
	require.NoError(t, loop.Close())
}
