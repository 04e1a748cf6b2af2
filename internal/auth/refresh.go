package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Google OAuth client used by the Antigravity desktop flow. Credentials may
// override these via their own client_id/client_secret fields.
const (
	defaultClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	defaultClientSecret = "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"
)

var googleTokenURL = "https://oauth2.googleapis.com/token"

// Refresh exchanges the credential's refresh token for a fresh access
// token and persists the updated record. The caller's context bounds the
// token endpoint call.
func (m *Manager) Refresh(ctx context.Context, cred *Credential) error {
	if cred.RefreshToken == "" {
		return fmt.Errorf("auth: credential %s has no refresh token", cred.Name)
	}

	clientID := cred.ClientID
	clientSecret := cred.ClientSecret
	if clientID == "" {
		clientID = defaultClientID
		clientSecret = defaultClientSecret
	}
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
		Scopes:       cred.Scopes,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	source := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
	})
	token, err := source.Token()
	if err != nil {
		return fmt.Errorf("auth: token refresh for %s: %w", cred.Name, err)
	}

	// Callers hold a copy of the credential, so the fresh token is written
	// both to the caller's copy and to the managed entry.
	m.mu.Lock()
	cred.AccessToken = token.AccessToken
	cred.TokenType = token.TokenType
	cred.Expiry = token.Expiry
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	if e := m.entries[entryKey(cred.Kind, cred.Name)]; e != nil && e.cred != cred {
		e.cred.AccessToken = cred.AccessToken
		e.cred.TokenType = cred.TokenType
		e.cred.Expiry = cred.Expiry
		e.cred.RefreshToken = cred.RefreshToken
	}
	updated := *cred
	m.mu.Unlock()

	if m.store != nil {
		blob, errMarshal := json.Marshal(&updated)
		if errMarshal != nil {
			return errMarshal
		}
		if errStore := m.store.StoreCredential(updated.Kind, updated.Name, blob); errStore != nil {
			log.Warnf("auth: cannot persist refreshed token for %s: %v", updated.Name, errStore)
		}
	}
	log.Debugf("auth: refreshed token for %s, expires %s", updated.Name, token.Expiry.Format(time.RFC3339))
	return nil
}

// RefreshIfNeeded refreshes only when the access token is missing or will
// expire within the lead window.
func (m *Manager) RefreshIfNeeded(ctx context.Context, cred *Credential, lead time.Duration) error {
	if !cred.Expired(lead) {
		return nil
	}
	return m.Refresh(ctx, cred)
}
