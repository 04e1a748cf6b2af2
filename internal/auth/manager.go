package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/agproxy/agproxy/internal/store"
)

const (
	// maxErrorWindow bounds the rolling error-code window per credential.
	maxErrorWindow = 20

	// defaultMaxWait is how long Pick may block waiting for the earliest
	// cooldown to expire before giving up on the model constraint.
	defaultMaxWait = 10 * time.Second

	// Auto-verification guards.
	verifyTriggerCount    = 5
	verifyWindow          = 10 * time.Minute
	verifyPerCredCooldown = 20 * time.Minute
	verifyGlobalPerHour   = 6
)

type entry struct {
	cred  *Credential
	state *State
}

// Manager owns the credential pool for all kinds. It serves selections,
// records upstream outcomes, applies cooldowns, and mirrors state into the
// persistence adapter. All public methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry // kind/name -> entry

	store *store.Store
	// quotas caches per-credential quota snapshots with a TTL; never persisted.
	quotas *gocache.Cache

	autoBan     bool
	banCodes    map[int]bool
	maxWait     time.Duration
	httpClient  *http.Client
	autoVerify  bool
	exhausted   map[string][]time.Time // model -> recent pool-exhausted reports
	verifyLast  map[string]time.Time   // kind/name -> last verification refresh
	verifyTimes []time.Time            // global refresh timestamps (hourly cap)
}

// NewManager creates a credential manager backed by the given store. A nil
// store degrades to in-memory operation with a warning on first write.
func NewManager(st *store.Store, autoBan bool, banCodes []int, httpClient *http.Client) *Manager {
	codes := make(map[int]bool, len(banCodes))
	for _, c := range banCodes {
		codes[c] = true
	}
	if len(codes) == 0 {
		codes[403] = true
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		entries:    make(map[string]*entry),
		store:      st,
		quotas:     gocache.New(20*time.Minute, 5*time.Minute),
		autoBan:    autoBan,
		banCodes:   codes,
		maxWait:    defaultMaxWait,
		httpClient: httpClient,
		exhausted:  make(map[string][]time.Time),
		verifyLast: make(map[string]time.Time),
	}
}

// SetAutoVerify enables the optional exhaustion-triggered refresh loop.
func (m *Manager) SetAutoVerify(enabled bool) {
	m.mu.Lock()
	m.autoVerify = enabled
	m.mu.Unlock()
}

// SetMaxWait overrides the starvation-relief wait bound (tests).
func (m *Manager) SetMaxWait(d time.Duration) {
	m.mu.Lock()
	m.maxWait = d
	m.mu.Unlock()
}

func entryKey(kind, name string) string {
	return strings.ToLower(kind) + "/" + name
}

// Load populates the pool from the persistence adapter.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	for _, kind := range []string{KindStandard, KindAntigravity} {
		names, err := m.store.ListCredentials(kind)
		if err != nil {
			return fmt.Errorf("auth: list credentials: %w", err)
		}
		for _, name := range names {
			blob, errGet := m.store.GetCredential(kind, name)
			if errGet != nil || blob == nil {
				continue
			}
			var cred Credential
			if errUnmarshal := json.Unmarshal(blob, &cred); errUnmarshal != nil {
				log.Warnf("auth: skipping malformed credential %s/%s: %v", kind, name, errUnmarshal)
				continue
			}
			cred.Name = name
			cred.Kind = kind
			state := &State{}
			if stateBlob, _ := m.store.GetCredentialState(kind, name); stateBlob != nil {
				if errState := json.Unmarshal(stateBlob, state); errState != nil {
					log.Warnf("auth: resetting malformed state for %s/%s: %v", kind, name, errState)
					state = &State{}
				}
			}
			m.mu.Lock()
			m.entries[entryKey(kind, name)] = &entry{cred: &cred, state: state}
			m.mu.Unlock()
		}
	}
	return nil
}

// ImportDir scans a directory of credential JSON files (as produced by the
// external OAuth flow) and upserts them into the pool and store.
func (m *Manager) ImportDir(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}
	imported := 0
	for _, path := range matches {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			log.Warnf("auth: cannot read %s: %v", path, errRead)
			continue
		}
		var cred Credential
		if errUnmarshal := json.Unmarshal(data, &cred); errUnmarshal != nil {
			log.Warnf("auth: cannot parse %s: %v", path, errUnmarshal)
			continue
		}
		if cred.AccessToken == "" && cred.RefreshToken == "" {
			log.Warnf("auth: %s has no tokens, skipping", path)
			continue
		}
		if cred.Kind == "" {
			cred.Kind = KindAntigravity
		}
		if cred.Name == "" {
			cred.Name = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		if err = m.Upsert(&cred); err != nil {
			log.Warnf("auth: cannot store %s: %v", path, err)
			continue
		}
		imported++
	}
	return imported, nil
}

// Upsert inserts or replaces a credential record, preserving runtime state.
func (m *Manager) Upsert(cred *Credential) error {
	key := entryKey(cred.Kind, cred.Name)
	m.mu.Lock()
	existing := m.entries[key]
	state := &State{}
	if existing != nil {
		state = existing.state
	}
	m.entries[key] = &entry{cred: cred, state: state}
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	blob, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return m.store.StoreCredential(cred.Kind, cred.Name, blob)
}

// List returns a snapshot of all credentials of the kind.
func (m *Manager) List(kind string) []*Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.ToLower(kind) + "/"
	var out []*Credential
	for key, e := range m.entries {
		if strings.HasPrefix(key, prefix) {
			c := *e.cred
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// State returns a clone of the runtime state for a credential.
func (m *Manager) State(kind, name string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[entryKey(kind, name)]; e != nil {
		return e.state.Clone()
	}
	return nil
}

// Pick selects a usable credential for the model, or returns nil.
//
// Candidates are all enabled credentials of the kind whose per-model
// cooldown (if any) has expired. Selection orders by last success ascending
// with a name tiebreak, so a hot credential cannot monopolize requests.
// When no candidate exists it waits up to the configured max wait for the
// earliest cooldown on that model to expire, then drops the model
// constraint entirely before giving up.
func (m *Manager) Pick(ctx context.Context, kind, model string) *Credential {
	if cred := m.pickOnce(kind, model); cred != nil {
		m.clearExhausted(model)
		return cred
	}
	if model == "" {
		return nil
	}

	// Starvation relief: wait for the earliest cooldown if it is close.
	wait := m.earliestCooldown(kind, model)
	if wait > 0 && wait <= m.maxWaitValue() {
		timer := time.NewTimer(wait + 100*time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if cred := m.pickOnce(kind, model); cred != nil {
			m.clearExhausted(model)
			return cred
		}
	}

	// Any-model fallback.
	if cred := m.pickOnce(kind, ""); cred != nil {
		return cred
	}
	return nil
}

func (m *Manager) maxWaitValue() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxWait
}

func (m *Manager) pickOnce(kind, model string) *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	prefix := strings.ToLower(kind) + "/"
	var candidates []*entry
	for key, e := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e.state.Disabled || e.state.ShouldFallback {
			continue
		}
		if model != "" && e.state.CooledDown(model, now) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.state.LastSuccess.Equal(b.state.LastSuccess) {
			return a.state.LastSuccess.Before(b.state.LastSuccess)
		}
		return a.cred.Name < b.cred.Name
	})
	c := *candidates[0].cred
	return &c
}

// earliestCooldown returns how long until the soonest cooldown expiry for
// the model among enabled credentials, or 0 if none is pending.
func (m *Manager) earliestCooldown(kind, model string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	prefix := strings.ToLower(kind) + "/"
	var earliest time.Time
	for key, e := range m.entries {
		if !strings.HasPrefix(key, prefix) || e.state.Disabled {
			continue
		}
		until, ok := e.state.ModelCooldowns[model]
		if !ok || !until.After(now) {
			continue
		}
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	if earliest.IsZero() {
		return 0
	}
	return earliest.Sub(now)
}

// RecordSuccess resets failure tracking after a successful upstream call.
func (m *Manager) RecordSuccess(kind, name, model string) {
	m.mu.Lock()
	e := m.entries[entryKey(kind, name)]
	if e == nil {
		m.mu.Unlock()
		return
	}
	e.state.ErrorCodes = nil
	e.state.ShouldFallback = false
	e.state.LastSuccess = time.Now()
	if model != "" && e.state.ExhaustedStreak != nil {
		delete(e.state.ExhaustedStreak, model)
	}
	snapshot := e.state.Clone()
	m.mu.Unlock()

	m.clearExhausted(model)
	m.persistState(kind, name, snapshot)
}

// RecordFailure records an upstream HTTP failure and applies the resulting
// cooldown. It returns the cooldown deadline applied for the model, which
// is zero when no model-level cooldown was warranted.
func (m *Manager) RecordFailure(kind, name, model string, status int, headers http.Header, body []byte, allOthersExhausted bool) time.Time {
	now := time.Now()
	hint := ParseCooldownHint(headers, body, now)

	var until time.Time
	m.mu.Lock()
	e := m.entries[entryKey(kind, name)]
	if e == nil {
		m.mu.Unlock()
		return time.Time{}
	}
	e.state.ErrorCodes = append(e.state.ErrorCodes, status)
	if len(e.state.ErrorCodes) > maxErrorWindow {
		e.state.ErrorCodes = e.state.ErrorCodes[len(e.state.ErrorCodes)-maxErrorWindow:]
	}

	if model != "" {
		switch {
		case !hint.IsZero():
			until = hint
		case allOthersExhausted:
			if e.state.ExhaustedStreak == nil {
				e.state.ExhaustedStreak = make(map[string]int)
			}
			e.state.ExhaustedStreak[model]++
			until = now.Add(exhaustedBackoff(e.state.ExhaustedStreak[model]))
		case status == http.StatusTooManyRequests:
			until = now.Add(Classify429(body))
		}
		// A server error with no cooldown of its own gets the short one;
		// a parsed hint always wins.
		if until.IsZero() && (status == 500 || status == 503 || status == 529) {
			until = now.Add(cooldownServerError)
		}
		if !until.IsZero() {
			if e.state.ModelCooldowns == nil {
				e.state.ModelCooldowns = make(map[string]time.Time)
			}
			e.state.ModelCooldowns[model] = until
		}
	}

	if m.autoBan && m.banCodes[status] {
		e.state.Disabled = true
		e.state.DisabledReason = "auto_ban"
		log.Warnf("auth: credential %s auto-banned after status %d", name, status)
	}
	snapshot := e.state.Clone()
	m.mu.Unlock()

	m.persistState(kind, name, snapshot)
	return until
}

// ApplyCooldown sets an explicit model cooldown (used by the streaming
// engine's stall handling).
func (m *Manager) ApplyCooldown(kind, name, model string, d time.Duration) {
	m.mu.Lock()
	e := m.entries[entryKey(kind, name)]
	if e == nil {
		m.mu.Unlock()
		return
	}
	if e.state.ModelCooldowns == nil {
		e.state.ModelCooldowns = make(map[string]time.Time)
	}
	e.state.ModelCooldowns[model] = time.Now().Add(d)
	snapshot := e.state.Clone()
	m.mu.Unlock()
	m.persistState(kind, name, snapshot)
}

// SetDisabled flips the disabled flag; byWarmup marks quota-protection
// disables so the sweeper can re-enable them later.
func (m *Manager) SetDisabled(kind, name string, disabled bool, reason string, byWarmup bool) {
	m.mu.Lock()
	e := m.entries[entryKey(kind, name)]
	if e == nil {
		m.mu.Unlock()
		return
	}
	e.state.Disabled = disabled
	e.state.DisabledReason = reason
	e.state.AutoDisabledByWarmup = disabled && byWarmup
	if !disabled {
		e.state.AutoDisabledByWarmup = false
	}
	snapshot := e.state.Clone()
	m.mu.Unlock()
	m.persistState(kind, name, snapshot)
}

// MarkQuotaRefreshed stamps the last background quota refresh.
func (m *Manager) MarkQuotaRefreshed(kind, name string) {
	m.mu.Lock()
	e := m.entries[entryKey(kind, name)]
	if e == nil {
		m.mu.Unlock()
		return
	}
	e.state.LastQuotaRefresh = time.Now()
	snapshot := e.state.Clone()
	m.mu.Unlock()
	m.persistState(kind, name, snapshot)
}

// SetQuota stores a quota snapshot for the credential (TTL-bounded).
func (m *Manager) SetQuota(kind, name string, snapshot *QuotaSnapshot) {
	m.quotas.Set(entryKey(kind, name), snapshot, gocache.DefaultExpiration)
}

// Quota returns the cached quota snapshot, or nil when expired/absent.
func (m *Manager) Quota(kind, name string) *QuotaSnapshot {
	if v, ok := m.quotas.Get(entryKey(kind, name)); ok {
		return v.(*QuotaSnapshot)
	}
	return nil
}

// ReportPoolExhausted is called by the dispatcher when no credential was
// available for the model. Five consecutive reports inside the rolling
// window trigger a verification refresh on the most recently failed
// credential, bounded by a per-credential cooldown and a global hourly cap.
func (m *Manager) ReportPoolExhausted(ctx context.Context, kind, model, lastFailedName string) {
	m.mu.Lock()
	if !m.autoVerify {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	hits := append(m.exhausted[model], now)
	pruned := hits[:0]
	for _, t := range hits {
		if now.Sub(t) <= verifyWindow {
			pruned = append(pruned, t)
		}
	}
	m.exhausted[model] = pruned
	if len(pruned) < verifyTriggerCount || lastFailedName == "" {
		m.mu.Unlock()
		return
	}

	key := entryKey(kind, lastFailedName)
	if last, ok := m.verifyLast[key]; ok && now.Sub(last) < verifyPerCredCooldown {
		m.mu.Unlock()
		return
	}
	recent := m.verifyTimes[:0]
	for _, t := range m.verifyTimes {
		if now.Sub(t) <= time.Hour {
			recent = append(recent, t)
		}
	}
	m.verifyTimes = recent
	if len(m.verifyTimes) >= verifyGlobalPerHour {
		m.mu.Unlock()
		return
	}
	m.verifyLast[key] = now
	m.verifyTimes = append(m.verifyTimes, now)
	m.exhausted[model] = nil
	e := m.entries[key]
	m.mu.Unlock()

	if e == nil {
		return
	}
	if err := m.Refresh(ctx, e.cred); err != nil {
		log.Warnf("auth: verification refresh failed for %s: %v", lastFailedName, err)
		m.mu.Lock()
		var snapshot *State
		if e = m.entries[key]; e != nil {
			e.state.ShouldFallback = true
			snapshot = e.state.Clone()
		}
		m.mu.Unlock()
		if snapshot != nil {
			m.persistState(kind, lastFailedName, snapshot)
		}
	}
}

func (m *Manager) clearExhausted(model string) {
	if model == "" {
		return
	}
	m.mu.Lock()
	delete(m.exhausted, model)
	m.mu.Unlock()
}

func (m *Manager) persistState(kind, name string, state *State) {
	if m.store == nil {
		return
	}
	blob, err := json.Marshal(state)
	if err != nil {
		log.Errorf("auth: cannot marshal state for %s: %v", name, err)
		return
	}
	err = m.store.SetCredentialState(kind, name, func([]byte) ([]byte, error) {
		return blob, nil
	})
	if err != nil {
		// Keep serving from the in-memory mirror; the next successful write
		// reconciles.
		log.Warnf("auth: persistence unavailable for %s: %v", name, err)
	}
}
