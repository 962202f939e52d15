package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const delay = time.Second

type recorder struct {
	mu   sync.Mutex
	runs []int
}

func (r *recorder) action(n int) func() {
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.runs = append(r.runs, n)
	}
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.runs...)
}

func TestSchedule_BurstRunsLatestOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(delay, 100, WithClock(clock))
	rec := &recorder{}

	for i := 1; i <= 5; i++ {
		d.Schedule(rec.action(i), false)
	}
	assert.Empty(t, rec.snapshot())
	assert.True(t, d.Pending())

	clock.Advance(delay)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{5}, rec.snapshot())
	assert.False(t, d.Pending())

	clock.Advance(10 * delay)
	assert.Never(t, func() bool { return len(rec.snapshot()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSchedule_TimerStartsAtFirstEvent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(delay, 100, WithClock(clock))
	rec := &recorder{}

	d.Schedule(rec.action(1), false)
	clock.Advance(delay / 2)
	d.Schedule(rec.action(2), false)
	clock.Advance(delay/2 - time.Millisecond)

	assert.Never(t, func() bool { return len(rec.snapshot()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{2}, rec.snapshot(), "later events must not extend the window")
}

func TestSchedule_MaxEventsFiresImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(delay, 3, WithClock(clock))
	rec := &recorder{}

	d.Schedule(rec.action(1), false)
	d.Schedule(rec.action(2), false)
	assert.Empty(t, rec.snapshot())

	d.Schedule(rec.action(3), false)
	assert.Equal(t, []int{3}, rec.snapshot(), "threshold commits synchronously")

	clock.Advance(delay)
	assert.Never(t, func() bool { return len(rec.snapshot()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	// The counter reset, so a fresh burst needs three more events.
	d.Schedule(rec.action(4), false)
	d.Schedule(rec.action(5), false)
	assert.Len(t, rec.snapshot(), 1)
	d.Schedule(rec.action(6), false)
	assert.Equal(t, []int{3, 6}, rec.snapshot())
}

func TestSchedule_ImmediateCancelsTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(delay, 100, WithClock(clock))
	rec := &recorder{}

	d.Schedule(rec.action(1), false)
	d.Schedule(rec.action(2), true)
	assert.Equal(t, []int{2}, rec.snapshot())

	clock.Advance(delay)
	assert.Never(t, func() bool { return len(rec.snapshot()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSchedule_NewBurstAfterFire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(delay, 100, WithClock(clock))
	rec := &recorder{}

	d.Schedule(rec.action(1), false)
	clock.Advance(delay)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)

	d.Schedule(rec.action(2), false)
	clock.Advance(delay)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.snapshot())
}

func TestStop_DiscardsPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(delay, 100, WithClock(clock))
	var ran atomic.Bool

	d.Schedule(func() { ran.Store(true) }, false)
	d.Stop()
	clock.Advance(delay)

	assert.Never(t, ran.Load, 50*time.Millisecond, 5*time.Millisecond)
	assert.False(t, d.Pending())
}

func TestSchedule_ActionsDoNotOverlap(t *testing.T) {
	d := New(time.Millisecond, 2)
	var active, maxActive atomic.Int32

	action := func() {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				d.Schedule(action, false)
			}
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)

	assert.EqualValues(t, 1, maxActive.Load())
}

func TestNew_ClampsMaxEvents(t *testing.T) {
	d := New(delay, 0, WithClock(clockwork.NewFakeClock()))
	var ran atomic.Bool
	d.Schedule(func() { ran.Store(true) }, false)
	assert.True(t, ran.Load())
}
