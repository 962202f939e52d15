package trigger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dl-alexandre/ncsync/internal/config"
	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/utils"
)

// Fix is one position report.
type Fix struct {
	Lat float64
	Lon float64
	At  time.Time
}

// LocationSource delivers significant location changes until ctx is done or
// the source runs dry, then closes the channel.
type LocationSource interface {
	Updates(ctx context.Context) (<-chan Fix, error)
}

// Prompter is the user-facing side of location authorization.
type Prompter interface {
	// Explain tells the user why location updates are used.
	Explain(ctx context.Context) error
	// Request asks for authorization and reports the answer.
	Request(ctx context.Context) (bool, error)
	// SettingsHint tells a user who denied access how to enable it.
	SettingsHint()
}

// AuthStore persists the authorization state and the prompt-shown flag.
type AuthStore interface {
	Authorization() config.LocationAuthorization
	SetAuthorization(config.LocationAuthorization) error
	PromptShown() bool
	SetPromptShown() error
}

// LocationMonitor runs a sweep on each location change, dropping changes
// that arrive while a sweep is still running.
type LocationMonitor struct {
	source   LocationSource
	prompter Prompter
	auth     AuthStore
	sweep    func(context.Context)
	logger   logging.Logger

	processing atomic.Bool
	wg         sync.WaitGroup
	dropped    atomic.Int64
}

func NewLocationMonitor(source LocationSource, prompter Prompter, auth AuthStore, sweep func(context.Context), logger logging.Logger) *LocationMonitor {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &LocationMonitor{source: source, prompter: prompter, auth: auth, sweep: sweep, logger: logger}
}

// Authorize settles the authorization state, prompting at most once for an
// explanation. It returns an AUTHORIZATION_DENIED error when access is not
// granted.
func (m *LocationMonitor) Authorize(ctx context.Context) error {
	status := m.auth.Authorization()

	if status == config.LocationUndetermined {
		if !m.auth.PromptShown() {
			if err := m.prompter.Explain(ctx); err != nil {
				return fmt.Errorf("failed to show location prompt: %w", err)
			}
			if err := m.auth.SetPromptShown(); err != nil {
				return err
			}
		}
		granted, err := m.prompter.Request(ctx)
		if err != nil {
			return fmt.Errorf("failed to request location authorization: %w", err)
		}
		status = config.LocationDenied
		if granted {
			status = config.LocationAuthorized
		}
		if err := m.auth.SetAuthorization(status); err != nil {
			return err
		}
	}

	if status != config.LocationAuthorized {
		m.prompter.SettingsHint()
		return utils.NewCLIError(utils.ErrCodeAuthorizationDenied, "Location updates are not authorized").
			WithContext("suggestedAction", "run 'ncsync config set locationAuthorization authorized'").
			Err()
	}
	return nil
}

// Run authorizes, then sweeps on every update until the source closes or
// ctx is done. It waits for the last sweep before returning.
func (m *LocationMonitor) Run(ctx context.Context) error {
	if err := m.Authorize(ctx); err != nil {
		return err
	}

	updates, err := m.source.Updates(ctx)
	if err != nil {
		return fmt.Errorf("failed to start location updates: %w", err)
	}
	defer m.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fix, ok := <-updates:
			if !ok {
				return nil
			}
			m.handle(ctx, fix)
		}
	}
}

func (m *LocationMonitor) handle(ctx context.Context, fix Fix) {
	if !m.processing.CompareAndSwap(false, true) {
		m.dropped.Add(1)
		m.logger.Debug("Location update dropped, sweep in progress")
		return
	}

	m.logger.Info("Significant location change",
		logging.F("lat", fix.Lat),
		logging.F("lon", fix.Lon),
	)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.processing.Store(false)
		m.sweep(ctx)
	}()
}

// Processing reports whether a sweep started by this monitor is running.
func (m *LocationMonitor) Processing() bool {
	return m.processing.Load()
}
