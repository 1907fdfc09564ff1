//go:build linux || darwin

package evloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration for Loop creation.
type loopOptions struct {
	logger      *logiface.Logger[logiface.Event]
	taskBudget  int
	maxPollWait time.Duration
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger attaches a structured logger to the loop. The loop logs
// lifecycle transitions, task panics, poll failures and overload
// conditions. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithTaskBudget caps how many tasks of a single priority class may
// remain queued after a scheduler pass before the loop reports overload.
// Defaults to 1024.
func WithTaskBudget(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("evloop: task budget must be positive")
		}
		opts.taskBudget = n
		return nil
	}}
}

// WithMaxPollWait bounds how long a single poll may block when no timer
// is due sooner. Defaults to 10s.
func WithMaxPollWait(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return errors.New("evloop: max poll wait must be positive")
		}
		opts.maxPollWait = d
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances over the defaults.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		taskBudget:  1024,
		maxPollWait: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
