//go:build linux || darwin

package evloop

import (
	"sync/atomic"
	"time"
)

// Timer is the [TimerEvent] produced by [Loop.RunAfter] and
// [Loop.RunEvery]. Cancellation is flag-based: a cancelled timer is
// skipped (and dropped) when its deadline is reached, and a repeating
// timer stops rescheduling.
type Timer struct {
	loop      *Loop
	fn        func()
	interval  time.Duration // 0 for one-shot
	fired     atomic.Bool
	cancelled atomic.Bool
}

var _ TimerEvent = (*Timer)(nil)

// Cancel prevents any further firing. Safe from any goroutine.
func (t *Timer) Cancel() { t.cancelled.Store(true) }

// Fired reports whether the timer has fired at least once.
func (t *Timer) Fired() bool { return t.fired.Load() }

// Cancelled reports whether Cancel was called.
func (t *Timer) Cancelled() bool { return t.cancelled.Load() }

// timerEntry is a scheduled deadline in the loop's min-heap.
type timerEntry struct {
	when time.Time
	t    *Timer
}

// timerHeap is a min-heap of deadlines, owned by the loop goroutine.
type timerHeap []timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
