// Package trigger starts upload cycles from timers, location changes and
// file system events.
package trigger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/jonboulle/clockwork"
)

// Periodic calls fn every interval. The countdown is suspended while fn
// runs, so calls never overlap, and Rearm restarts it from now.
type Periodic struct {
	interval time.Duration
	fn       func(context.Context)
	clock    clockwork.Clock
	logger   logging.Logger

	rearm chan struct{}
	arms  atomic.Int64
}

type PeriodicOption func(*Periodic)

func WithClock(c clockwork.Clock) PeriodicOption {
	return func(p *Periodic) { p.clock = c }
}

func WithLogger(l logging.Logger) PeriodicOption {
	return func(p *Periodic) { p.logger = l }
}

func NewPeriodic(interval time.Duration, fn func(context.Context), opts ...PeriodicOption) *Periodic {
	p := &Periodic{
		interval: interval,
		fn:       fn,
		clock:    clockwork.NewRealClock(),
		logger:   logging.NewNoOpLogger(),
		rearm:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rearm restarts the countdown. Calls made while fn runs are absorbed; the
// countdown restarts when fn returns anyway.
func (p *Periodic) Rearm() {
	select {
	case p.rearm <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (p *Periodic) Run(ctx context.Context) error {
	timer := p.arm()
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.rearm:
			timer.Stop()
			timer = p.arm()
		case <-timer.Chan():
			p.logger.Debug("Periodic trigger fired", logging.F("interval", p.interval.String()))
			p.fn(ctx)
			select {
			case <-p.rearm:
			default:
			}
			timer = p.arm()
		}
	}
}

func (p *Periodic) arm() clockwork.Timer {
	t := p.clock.NewTimer(p.interval)
	p.arms.Add(1)
	return t
}
