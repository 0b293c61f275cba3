package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func startPoll(clock clockwork.FakeClock, cfg PollConfig, check func() bool) (*ScheduledPoll, chan PollOutcome) {
	poll := NewScheduledPoll(clock, cfg)
	done := make(chan PollOutcome, 1)
	go func() {
		done <- poll.Run(context.Background(), check)
	}()
	return poll, done
}

func TestPollWaitsOutGracePeriod(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var checks int32
	_, done := startPoll(clock, PollConfig{Grace: 30 * time.Second, Interval: 5 * time.Second, MaxAttempts: 3},
		func() bool {
			atomic.AddInt32(&checks, 1)
			return true
		})

	clock.BlockUntil(1)
	require.EqualValues(t, 0, atomic.LoadInt32(&checks), "no checks before the grace period elapses")

	clock.Advance(30 * time.Second)
	require.Equal(t, PollCompleted, <-done)
	require.EqualValues(t, 1, atomic.LoadInt32(&checks))
}

func TestPollCompletesMidway(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var checks int32
	_, done := startPoll(clock, PollConfig{Grace: time.Second, Interval: time.Second, MaxAttempts: 10},
		func() bool {
			return atomic.AddInt32(&checks, 1) == 3
		})

	clock.BlockUntil(1)
	clock.Advance(time.Second) // grace
	clock.BlockUntil(1)
	clock.Advance(time.Second) // after first check
	clock.BlockUntil(1)
	clock.Advance(time.Second) // after second check

	require.Equal(t, PollCompleted, <-done)
	require.EqualValues(t, 3, atomic.LoadInt32(&checks))
}

func TestPollExhaustsAttemptCap(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var checks int32
	_, done := startPoll(clock, PollConfig{Grace: time.Second, Interval: time.Second, MaxAttempts: 3},
		func() bool {
			atomic.AddInt32(&checks, 1)
			return false
		})

	clock.BlockUntil(1)
	clock.Advance(time.Second) // grace
	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}

	require.Equal(t, PollExhausted, <-done)
	require.EqualValues(t, 3, atomic.LoadInt32(&checks))
}

func TestPollCancelDuringGrace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	poll, done := startPoll(clock, PollConfig{Grace: time.Minute, Interval: time.Second, MaxAttempts: 3},
		func() bool { t.Error("cancelled poll must not run checks"); return false })

	clock.BlockUntil(1)
	poll.Cancel()
	poll.Cancel() // idempotent

	require.Equal(t, PollCancelled, <-done)
}

func TestPollStopsWhenContextEnds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	poll := NewScheduledPoll(clock, PollConfig{Grace: time.Minute, Interval: time.Second, MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan PollOutcome, 1)
	go func() {
		done <- poll.Run(ctx, func() bool { return false })
	}()

	clock.BlockUntil(1)
	cancel()
	require.Equal(t, PollCancelled, <-done)
}
