// Package auth manages the pool of upstream OAuth credentials: records and
// runtime state, selection with per-model cooldowns, outcome recording with
// upstream cooldown-hint parsing, auto-ban, and token refresh.
package auth

import (
	"time"
)

// Credential kinds. Standard credentials speak the plain code-assist
// surface; antigravity credentials carry the Antigravity entitlement.
const (
	KindStandard    = "standard"
	KindAntigravity = "antigravity"
)

// Credential holds the immutable OAuth material and binding for one
// upstream identity. Runtime state lives in State so token refresh writes
// never race cooldown writes.
type Credential struct {
	// Name uniquely identifies the credential (filename-style).
	Name string `json:"name"`

	// Kind is KindStandard or KindAntigravity.
	Kind string `json:"kind"`

	// AccessToken is the current bearer token.
	AccessToken string `json:"access_token"`

	// RefreshToken renews the access token at the Google token endpoint.
	RefreshToken string `json:"refresh_token"`

	// TokenType is almost always "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// Expiry is the absolute instant the access token expires.
	Expiry time.Time `json:"expiry"`

	// Scopes lists the granted OAuth scopes.
	Scopes []string `json:"scopes,omitempty"`

	// ClientID / ClientSecret reference the OAuth client used for refresh.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	// ProjectID is the bound Google Cloud project.
	ProjectID string `json:"project_id,omitempty"`

	// Email is the account email, for logging.
	Email string `json:"email,omitempty"`
}

// Expired reports whether the access token is expired or about to expire.
func (c *Credential) Expired(lead time.Duration) bool {
	if c.Expiry.IsZero() {
		return c.AccessToken == ""
	}
	return time.Now().Add(lead).After(c.Expiry)
}

// State is the mutable runtime state for one credential.
type State struct {
	// Disabled removes the credential from selection entirely.
	Disabled bool `json:"disabled"`

	// DisabledReason describes why (e.g. "auto_ban").
	DisabledReason string `json:"disabled_reason,omitempty"`

	// AutoDisabledByWarmup marks a quota-protection disable, which the
	// sweeper may undo when quota recovers.
	AutoDisabledByWarmup bool `json:"auto_disabled_by_warmup,omitempty"`

	// ModelCooldowns blocks selection per model until the given instant.
	ModelCooldowns map[string]time.Time `json:"model_cooldowns,omitempty"`

	// LastSuccess is the last successful upstream call.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// ErrorCodes is a rolling window of recent upstream error statuses.
	ErrorCodes []int `json:"error_codes,omitempty"`

	// LastQuotaRefresh is the last background quota snapshot fetch.
	LastQuotaRefresh time.Time `json:"last_quota_refresh,omitempty"`

	// ExhaustedStreak counts consecutive "all credentials exhausted"
	// failures per model; it drives the tiered backoff.
	ExhaustedStreak map[string]int `json:"exhausted_streak,omitempty"`

	// ShouldFallback instructs the dispatcher to skip this credential and
	// advance the chain after a failed verification refresh.
	ShouldFallback bool `json:"should_fallback,omitempty"`
}

// CooledDown reports whether the credential is blocked for the model at now.
func (s *State) CooledDown(model string, now time.Time) bool {
	if s == nil || len(s.ModelCooldowns) == 0 || model == "" {
		return false
	}
	until, ok := s.ModelCooldowns[model]
	return ok && until.After(now)
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if len(s.ModelCooldowns) > 0 {
		out.ModelCooldowns = make(map[string]time.Time, len(s.ModelCooldowns))
		for k, v := range s.ModelCooldowns {
			out.ModelCooldowns[k] = v
		}
	}
	if len(s.ErrorCodes) > 0 {
		out.ErrorCodes = append([]int(nil), s.ErrorCodes...)
	}
	if len(s.ExhaustedStreak) > 0 {
		out.ExhaustedStreak = make(map[string]int, len(s.ExhaustedStreak))
		for k, v := range s.ExhaustedStreak {
			out.ExhaustedStreak[k] = v
		}
	}
	return &out
}

// QuotaSnapshot is the in-memory, TTL-bounded view of one credential/model
// pair's remaining quota, as reported by the upstream's available-models
// endpoint. Snapshots are cached under a composite "<credential>/<model>"
// name and never persisted.
type QuotaSnapshot struct {
	// Remaining is the remaining fraction in [0,1].
	Remaining float64 `json:"remaining"`

	// Reset is the reported quota reset instant, when known.
	Reset time.Time `json:"reset,omitempty"`

	// FetchedAt is when the snapshot was taken.
	FetchedAt time.Time `json:"fetched_at"`
}
