package scheduler

import "sync"

// Environment answers the questions a cycle asks about the host before it
// admits work.
type Environment interface {
	// Account is the active account, empty when none is configured.
	Account() string
	InMaintenance() bool
	// InBackground reports whether the process runs without a foreground UI.
	InBackground() bool
	// UILocked reports whether a passcode lock is showing.
	UILocked() bool
}

// Env is an Environment whose answers can be changed at runtime.
type Env struct {
	mu          sync.RWMutex
	account     string
	maintenance bool
	background  bool
	uiLocked    bool
}

var _ Environment = (*Env)(nil)

func NewEnv(account string, maintenance, background bool) *Env {
	return &Env{account: account, maintenance: maintenance, background: background}
}

func (e *Env) Account() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.account
}

func (e *Env) InMaintenance() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maintenance
}

func (e *Env) InBackground() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.background
}

func (e *Env) UILocked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.uiLocked
}

func (e *Env) SetAccount(account string) {
	e.mu.Lock()
	e.account = account
	e.mu.Unlock()
}

func (e *Env) SetMaintenance(on bool) {
	e.mu.Lock()
	e.maintenance = on
	e.mu.Unlock()
}

func (e *Env) SetBackground(on bool) {
	e.mu.Lock()
	e.background = on
	e.mu.Unlock()
}

func (e *Env) SetUILocked(on bool) {
	e.mu.Lock()
	e.uiLocked = on
	e.mu.Unlock()
}
