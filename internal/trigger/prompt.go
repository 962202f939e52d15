package trigger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/dl-alexandre/ncsync/internal/config"
	"golang.org/x/term"
)

// ErrNotInteractive is returned when a prompt needs a terminal and stdin is
// not one.
var ErrNotInteractive = errors.New("location authorization needs an interactive terminal")

// TerminalPrompter asks on the terminal using huh forms.
type TerminalPrompter struct {
	out io.Writer
	// isTerminal is swapped out in tests.
	isTerminal func() bool
}

func NewTerminalPrompter(out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{
		out:        out,
		isTerminal: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

func (p *TerminalPrompter) Explain(ctx context.Context) error {
	if !p.isTerminal() {
		return ErrNotInteractive
	}
	return huh.NewForm(huh.NewGroup(
		huh.NewNote().
			Title("Upload on the move").
			Description("ncsync can start an upload sweep whenever your location changes significantly.\n"+
				"Only coarse position changes are used and nothing about your location is uploaded."),
	)).RunWithContext(ctx)
}

func (p *TerminalPrompter) Request(ctx context.Context) (bool, error) {
	if !p.isTerminal() {
		return false, ErrNotInteractive
	}
	var allow bool
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Allow ncsync to use location changes?").
			Affirmative("Allow").
			Negative("Don't allow").
			Value(&allow),
	)).RunWithContext(ctx)
	return allow, err
}

func (p *TerminalPrompter) SettingsHint() {
	fmt.Fprintln(p.out, "Location-triggered uploads are disabled. Enable them with:")
	fmt.Fprintln(p.out, "  ncsync config set locationAuthorization authorized")
}

// ConfigAuthStore keeps the authorization state in the config file.
type ConfigAuthStore struct {
	mu   sync.Mutex
	cfg  *config.Config
	path string
}

func NewConfigAuthStore(cfg *config.Config, path string) *ConfigAuthStore {
	return &ConfigAuthStore{cfg: cfg, path: path}
}

func (s *ConfigAuthStore) Authorization() config.LocationAuthorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.LocationAuthorization
}

func (s *ConfigAuthStore) SetAuthorization(a config.LocationAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.LocationAuthorization = a
	return s.cfg.SaveTo(s.path)
}

func (s *ConfigAuthStore) PromptShown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.LocationPromptShown
}

func (s *ConfigAuthStore) SetPromptShown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.LocationPromptShown = true
	return s.cfg.SaveTo(s.path)
}
