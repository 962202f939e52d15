package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"golang.org/x/oauth2"
)

// loopbackFlow is the browser authorization code flow with PKCE and a
// one-shot callback server on 127.0.0.1.
type loopbackFlow struct {
	config   oauth2.Config
	listener net.Listener
	state    string
	verifier string
	codes    chan string
	errs     chan error
}

func newLoopbackFlow(cfg *oauth2.Config) (*loopbackFlow, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start local server: %w", err)
	}
	state, err := randomState()
	if err != nil {
		listener.Close()
		return nil, err
	}

	f := &loopbackFlow{
		config:   *cfg,
		listener: listener,
		state:    state,
		verifier: oauth2.GenerateVerifier(),
		codes:    make(chan string, 1),
		errs:     make(chan error, 1),
	}
	f.config.RedirectURL = fmt.Sprintf("http://%s/callback", listener.Addr().String())
	return f, nil
}

func (f *loopbackFlow) authURL() string {
	return f.config.AuthCodeURL(f.state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(f.verifier))
}

func (f *loopbackFlow) serve(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", f.handleCallback)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.Serve(f.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.fail(err)
		}
	}()
	go func() {
		<-ctx.Done()
		server.Close()
	}()
}

func (f *loopbackFlow) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("state") != f.state {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		f.fail(fmt.Errorf("invalid state parameter"))
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "No code received", http.StatusBadRequest)
		f.fail(fmt.Errorf("authorization failed: %s", q.Get("error")))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<html><body><h1>ncsync is authorized</h1><p>You can close this window.</p></body></html>`)
	select {
	case f.codes <- code:
	default:
	}
}

func (f *loopbackFlow) fail(err error) {
	select {
	case f.errs <- err:
	default:
	}
}

func (f *loopbackFlow) wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case code := <-f.codes:
		return code, nil
	case err := <-f.errs:
		return "", err
	case <-timer.C:
		return "", fmt.Errorf("authentication timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *loopbackFlow) exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := f.config.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return tok, nil
}

func (f *loopbackFlow) close() {
	_ = f.listener.Close()
}

// BrowserLogin authorizes account in a browser and stores the token. It
// falls back to the device flow when no browser can be opened.
func (m *Manager) BrowserLogin(ctx context.Context, account string, openBrowser func(string) error, out io.Writer) (*Credentials, error) {
	cfg, err := m.requireOAuth()
	if err != nil {
		return nil, err
	}
	if IsHeadless() {
		return m.DeviceLogin(ctx, account, out)
	}

	flow, err := newLoopbackFlow(cfg)
	if err != nil {
		return nil, err
	}
	defer flow.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	flow.serve(ctx)

	url := flow.authURL()
	fmt.Fprintf(out, "Opening browser for authentication...\nIf it does not open, visit: %s\n", url)
	if err := openBrowser(url); err != nil {
		fmt.Fprintf(out, "Failed to open browser (%v), switching to device authorization.\n", err)
		return m.DeviceLogin(ctx, account, out)
	}

	code, err := flow.wait(ctx, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	tok, err := flow.exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	return m.storeToken(account, tok, cfg.Scopes)
}

// IsHeadless reports whether no local browser is likely reachable.
func IsHeadless() bool {
	for _, env := range []string{"NCSYNC_NO_BROWSER", "CI", "SSH_CONNECTION", "SSH_TTY"} {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return runtime.GOOS == "linux" && os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == ""
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
