package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const interval = time.Minute

func startPeriodic(t *testing.T, fn func(context.Context)) (*Periodic, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	p := NewPeriodic(interval, fn, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return p.arms.Load() == 1 }, time.Second, time.Millisecond)
	return p, clock
}

func TestPeriodic_FiresEveryInterval(t *testing.T) {
	var calls atomic.Int32
	p, clock := startPeriodic(t, func(context.Context) { calls.Add(1) })

	clock.Advance(interval)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return p.arms.Load() == 2 }, time.Second, time.Millisecond)

	clock.Advance(interval)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestPeriodic_SuspendedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	p, clock := startPeriodic(t, func(context.Context) {
		calls.Add(1)
		<-release
	})

	clock.Advance(interval)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	clock.Advance(10 * interval)
	p.Rearm()
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return p.arms.Load() == 2 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "countdown restarts after the cycle")

	clock.Advance(interval)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestPeriodic_RearmRestartsCountdown(t *testing.T) {
	var calls atomic.Int32
	p, clock := startPeriodic(t, func(context.Context) { calls.Add(1) })

	clock.Advance(interval / 2)
	p.Rearm()
	require.Eventually(t, func() bool { return p.arms.Load() == 2 }, time.Second, time.Millisecond)

	clock.Advance(interval / 2)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(interval / 2)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}
