package services

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// PollOutcome is how a bounded poll ended.
type PollOutcome int

const (
	// PollCompleted: the check reported done before the attempt cap.
	PollCompleted PollOutcome = iota
	// PollExhausted: the attempt cap elapsed without the check completing.
	PollExhausted
	// PollCancelled: Cancel was called or the context ended.
	PollCancelled
)

// PollConfig bounds a poll: an initial grace delay before the first check,
// then a fixed interval for at most MaxAttempts checks.
type PollConfig struct {
	Grace       time.Duration
	Interval    time.Duration
	MaxAttempts int
}

// ScheduledPoll is a cancellable bounded poll over an injected clock. It
// replaces ad-hoc timer callbacks and manual counters with one reusable,
// independently testable unit.
type ScheduledPoll struct {
	clock  clockwork.Clock
	cfg    PollConfig
	cancel chan struct{}
	once   sync.Once
}

func NewScheduledPoll(clock clockwork.Clock, cfg PollConfig) *ScheduledPoll {
	return &ScheduledPoll{clock: clock, cfg: cfg, cancel: make(chan struct{})}
}

// Cancel stops a running poll. Safe to call more than once, before or after
// Run returns.
func (p *ScheduledPoll) Cancel() {
	p.once.Do(func() { close(p.cancel) })
}

// Run blocks until the check reports done, the attempt cap is exhausted, or
// the poll is cancelled. The check runs only after the grace delay.
func (p *ScheduledPoll) Run(ctx context.Context, check func() bool) PollOutcome {
	select {
	case <-p.clock.After(p.cfg.Grace):
	case <-ctx.Done():
		return PollCancelled
	case <-p.cancel:
		return PollCancelled
	}

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if check() {
			return PollCompleted
		}
		select {
		case <-p.clock.After(p.cfg.Interval):
		case <-ctx.Done():
			return PollCancelled
		case <-p.cancel:
			return PollCancelled
		}
	}
	return PollExhausted
}
