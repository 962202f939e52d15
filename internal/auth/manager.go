// Package auth stores per-account Google credentials and turns them into
// authenticated Drive services.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/dl-alexandre/ncsync/pkg/version"
	"github.com/samber/lo"
	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const serviceName = "ncsync"

// BundledClientID and BundledClientSecret can be set at build time via
// -ldflags. When unset, a client must be configured.
var (
	BundledClientID     string
	BundledClientSecret string
)

type CredentialType string

const (
	CredentialOAuth          CredentialType = "oauth"
	CredentialServiceAccount CredentialType = "service_account"
)

// Credentials is what is stored for one account.
type Credentials struct {
	Account      string         `json:"account"`
	Type         CredentialType `json:"type"`
	AccessToken  string         `json:"accessToken,omitempty"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	Expiry       time.Time      `json:"expiry,omitempty"`
	Scopes       []string       `json:"scopes"`
	// Service account key material and optional domain-wide delegation subject.
	KeyJSON json.RawMessage `json:"keyJson,omitempty"`
	Subject string          `json:"subject,omitempty"`
}

func (c *Credentials) token() *oauth2.Token {
	return &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken, Expiry: c.Expiry}
}

type ManagerOptions struct {
	// ForceEncryptedFile skips the keyring probe.
	ForceEncryptedFile bool
}

// Manager handles credential storage and OAuth configuration.
type Manager struct {
	configDir string
	storage   StorageBackend
	oauth     *oauth2.Config
	warning   string

	mu sync.Mutex
}

func NewManager(configDir string, opts ManagerOptions) (*Manager, error) {
	m := &Manager{configDir: configDir}
	if !opts.ForceEncryptedFile && keyringAvailable() {
		m.storage = NewKeyringStorage(serviceName)
		return m, nil
	}

	storage, err := NewEncryptedFileStorage(configDir)
	if err != nil {
		return nil, err
	}
	m.storage = storage
	if !opts.ForceEncryptedFile {
		m.warning = "System keyring not available. Using encrypted file storage."
	}
	return m, nil
}

func keyringAvailable() bool {
	const probe = "ncsync-probe"
	if err := keyring.Set(serviceName, probe, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(serviceName, probe)
	return true
}

// SetOAuthConfig configures the OAuth client. Empty values fall back to the
// bundled client.
func (m *Manager) SetOAuthConfig(clientID, clientSecret string, scopes []string) {
	if clientID == "" {
		clientID, clientSecret = BundledClientID, BundledClientSecret
	}
	m.oauth = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		Endpoint:     google.Endpoint,
	}
}

func (m *Manager) OAuthConfig() *oauth2.Config { return m.oauth }

func (m *Manager) StorageBackend() string { return m.storage.Name() }

func (m *Manager) StorageWarning() string { return m.warning }

func (m *Manager) requireOAuth() (*oauth2.Config, error) {
	if m.oauth == nil || m.oauth.ClientID == "" {
		return nil, utils.NewCLIError(utils.ErrCodeConfigurationMissing, "No OAuth client configured").
			WithContext("suggestedAction", "run 'ncsync config set clientId <id>' and 'ncsync config set clientSecret <secret>'").
			Err()
	}
	return m.oauth, nil
}

func (m *Manager) SaveCredentials(creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := m.storage.Save(creds.Account, data); err != nil {
		return err
	}
	return m.updateAccounts(func(accounts []string) []string {
		if lo.Contains(accounts, creds.Account) {
			return accounts
		}
		return append(accounts, creds.Account)
	})
}

// LoadCredentials returns the stored credentials of account, or an
// AUTH_REQUIRED error when there are none.
func (m *Manager) LoadCredentials(account string) (*Credentials, error) {
	data, err := m.storage.Load(account)
	if errors.Is(err, ErrNoCredentials) {
		return nil, utils.NewCLIError(utils.ErrCodeAuthRequired, fmt.Sprintf("No credentials for %s", account)).
			WithContext("suggestedAction", "run 'ncsync auth login'").
			Err()
	}
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return &creds, nil
}

func (m *Manager) DeleteCredentials(account string) error {
	if err := m.storage.Delete(account); err != nil && !errors.Is(err, ErrNoCredentials) {
		return err
	}
	return m.updateAccounts(func(accounts []string) []string {
		return lo.Without(accounts, account)
	})
}

// ListAccounts returns every account with stored credentials, in login order.
func (m *Manager) ListAccounts() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readAccounts()
}

func (m *Manager) accountsFile() string {
	return filepath.Join(m.configDir, "accounts.json")
}

func (m *Manager) readAccounts() ([]string, error) {
	data, err := os.ReadFile(m.accountsFile())
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (m *Manager) updateAccounts(fn func([]string) []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts, err := m.readAccounts()
	if err != nil {
		return err
	}
	data, err := json.Marshal(fn(accounts))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(m.accountsFile(), data, 0600)
}

// TokenSource returns a source that refreshes account's token as needed
// and stores every refreshed token.
func (m *Manager) TokenSource(ctx context.Context, account string) (oauth2.TokenSource, error) {
	creds, err := m.LoadCredentials(account)
	if err != nil {
		return nil, err
	}

	switch creds.Type {
	case CredentialServiceAccount:
		gc, err := google.CredentialsFromJSONWithParams(ctx, creds.KeyJSON, google.CredentialsParams{
			Scopes:  creds.Scopes,
			Subject: creds.Subject,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to parse service account key: %w", err)
		}
		return gc.TokenSource, nil
	default:
		cfg, err := m.requireOAuth()
		if err != nil {
			return nil, err
		}
		tok := creds.token()
		return &persistingSource{
			manager: m,
			creds:   creds,
			base:    oauth2.ReuseTokenSource(tok, cfg.TokenSource(ctx, tok)),
			last:    tok.AccessToken,
		}, nil
	}
}

// DriveService builds an authenticated Drive service for account.
func (m *Manager) DriveService(ctx context.Context, account string) (*drive.Service, error) {
	ts, err := m.TokenSource(ctx, account)
	if err != nil {
		return nil, err
	}
	return drive.NewService(ctx,
		option.WithTokenSource(ts),
		option.WithUserAgent(version.UserAgent()),
	)
}

// persistingSource writes a refreshed token back to storage.
type persistingSource struct {
	manager *Manager
	base    oauth2.TokenSource

	mu    sync.Mutex
	creds *Credentials
	last  string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, utils.NewCLIError(utils.ErrCodeAuthExpired, "Token refresh failed").
			WithContext("suggestedAction", "run 'ncsync auth login' to re-authenticate").
			WithCause(err).
			Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		s.creds.AccessToken = tok.AccessToken
		s.creds.Expiry = tok.Expiry
		if tok.RefreshToken != "" {
			s.creds.RefreshToken = tok.RefreshToken
		}
		if err := s.manager.SaveCredentials(s.creds); err != nil {
			return nil, fmt.Errorf("failed to save refreshed credentials: %w", err)
		}
	}
	return tok, nil
}
