// Package debounce coalesces bursts of events into a single action.
package debounce

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer runs the most recently scheduled action at most delay after the
// first event of a burst, or as soon as maxEvents events have arrived.
//
// Actions run one at a time. An action must not call Schedule on its own
// debouncer synchronously.
type Debouncer struct {
	delay     time.Duration
	maxEvents int
	clock     clockwork.Clock

	mu     sync.Mutex
	action func()
	count  int
	timer  clockwork.Timer
	stop   chan struct{}
	gen    uint64

	running sync.Mutex
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(d *Debouncer) { d.clock = c }
}

// New creates a Debouncer. maxEvents below 1 is treated as 1.
func New(delay time.Duration, maxEvents int, opts ...Option) *Debouncer {
	if maxEvents < 1 {
		maxEvents = 1
	}
	d := &Debouncer{
		delay:     delay,
		maxEvents: maxEvents,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Schedule records action as the latest pending action. With immediate set,
// any pending timer is cancelled and action runs before Schedule returns.
// Otherwise the event is counted; the first event of a burst arms the timer
// and reaching maxEvents fires at once.
func (d *Debouncer) Schedule(action func(), immediate bool) {
	d.mu.Lock()
	d.action = action

	if !immediate {
		d.count++
		if d.count < d.maxEvents {
			if d.timer == nil {
				d.armLocked()
			}
			d.mu.Unlock()
			return
		}
	}

	fn := d.takeLocked()
	d.mu.Unlock()
	d.run(fn)
}

// Pending reports whether an action is waiting to fire.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.action != nil
}

// Stop cancels the pending timer and discards the pending action.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.takeLocked()
}

func (d *Debouncer) armLocked() {
	d.gen++
	gen := d.gen
	timer := d.clock.NewTimer(d.delay)
	stop := make(chan struct{})
	d.timer = timer
	d.stop = stop

	go func() {
		select {
		case <-timer.Chan():
		case <-stop:
			return
		}

		d.mu.Lock()
		if d.gen != gen {
			d.mu.Unlock()
			return
		}
		fn := d.takeLocked()
		d.mu.Unlock()
		d.run(fn)
	}()
}

// takeLocked detaches the pending action and resets the burst state.
func (d *Debouncer) takeLocked() func() {
	fn := d.action
	d.action = nil
	d.count = 0
	if d.timer != nil {
		d.timer.Stop()
		close(d.stop)
		d.timer = nil
		d.stop = nil
		d.gen++
	}
	return fn
}

func (d *Debouncer) run(fn func()) {
	if fn == nil {
		return
	}
	d.running.Lock()
	defer d.running.Unlock()
	fn()
}
