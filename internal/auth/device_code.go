package auth

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2"
)

// DeviceLogin runs the OAuth device authorization flow for account, printing
// the verification URL and user code to out, and stores the result.
func (m *Manager) DeviceLogin(ctx context.Context, account string, out io.Writer) (*Credentials, error) {
	cfg, err := m.requireOAuth()
	if err != nil {
		return nil, err
	}

	da, err := cfg.DeviceAuth(ctx, oauth2.AccessTypeOffline)
	if err != nil {
		return nil, fmt.Errorf("failed to request device code: %w", err)
	}

	fmt.Fprintf(out, "\nVisit %s and enter the code: %s\n", da.VerificationURI, da.UserCode)
	if da.VerificationURIComplete != "" {
		fmt.Fprintf(out, "Or open %s\n", da.VerificationURIComplete)
	}
	fmt.Fprintln(out, "Waiting for authorization...")

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}
	return m.storeToken(account, tok, cfg.Scopes)
}

func (m *Manager) storeToken(account string, tok *oauth2.Token, requested []string) (*Credentials, error) {
	scopes := requested
	if granted, ok := tok.Extra("scope").(string); ok && granted != "" {
		scopes = strings.Fields(granted)
	}
	creds := &Credentials{
		Account:      account,
		Type:         CredentialOAuth,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
	}
	if err := m.SaveCredentials(creds); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}
	return creds, nil
}
