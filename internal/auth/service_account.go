package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
)

type serviceAccountKey struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// ServiceAccountLogin stores a service account key for account, optionally
// impersonating subject through domain-wide delegation. A token is fetched
// once to validate the key.
func (m *Manager) ServiceAccountLogin(ctx context.Context, account, keyFile, subject string, scopes []string) (*Credentials, error) {
	if len(scopes) == 0 {
		return nil, fmt.Errorf("at least one scope required")
	}
	if subject != "" && !strings.Contains(subject, "@") {
		return nil, fmt.Errorf("impersonated user must be an email address")
	}

	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account key: %w", err)
	}
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	switch {
	case key.Type != "service_account":
		return nil, fmt.Errorf("invalid service account key type: %q", key.Type)
	case key.ClientEmail == "":
		return nil, fmt.Errorf("missing client_email in service account key")
	case key.PrivateKey == "":
		return nil, fmt.Errorf("missing private_key in service account key")
	}

	gc, err := google.CredentialsFromJSONWithParams(ctx, data, google.CredentialsParams{Scopes: scopes, Subject: subject})
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	if _, err := gc.TokenSource.Token(); err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	creds := &Credentials{
		Account: account,
		Type:    CredentialServiceAccount,
		Scopes:  scopes,
		KeyJSON: data,
		Subject: subject,
	}
	if err := m.SaveCredentials(creds); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}
	return creds, nil
}
