// Package background runs the periodic credential maintenance loops: the
// token/quota refresh sweep, the smart warmup pinger, and the quota
// protection sweeper. All loops are optional and off by default.
package background

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/agproxy/agproxy/internal/auth"
	"github.com/agproxy/agproxy/internal/config"
	"github.com/agproxy/agproxy/internal/runtime/executor"
)

const (
	defaultRefreshInterval = 15 * time.Minute
	refreshJitterFraction  = 0.15

	// refreshConcurrency bounds parallel refreshes within one sweep.
	refreshConcurrency = 5

	// perCredentialMinInterval prevents quota-fetch thrash for a single
	// credential across overlapping sweeps.
	perCredentialMinInterval = 15 * time.Minute

	// rateLimitGlobalCooldown pauses the whole loop after any 429 seen
	// during a sweep; refreshing harder amplifies upstream pressure.
	rateLimitGlobalCooldown = 10 * time.Minute

	tokenRefreshLead = 10 * time.Minute
)

// Refresher periodically refreshes OAuth tokens and quota snapshots for
// every enabled credential.
type Refresher struct {
	cfg   *config.Provider
	creds *auth.Manager
	exec  *executor.Antigravity

	mu            sync.Mutex
	cooldownUntil time.Time
}

// NewRefresher wires the refresh loop.
func NewRefresher(cfg *config.Provider, creds *auth.Manager, exec *executor.Antigravity) *Refresher {
	return &Refresher{cfg: cfg, creds: creds, exec: exec}
}

func (r *Refresher) interval() time.Duration {
	base := defaultRefreshInterval
	if minutes := r.cfg.Get().BackgroundRefresh.IntervalMinutes; minutes > 0 {
		base = time.Duration(minutes) * time.Minute
	}
	jitter := 1 + refreshJitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(base) * jitter)
}

// Run loops until the context ends.
func (r *Refresher) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(r.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		r.Sweep(ctx)
	}
}

// Sweep refreshes every enabled credential once, honoring the global
// cooldown and the per-credential minimum interval.
func (r *Refresher) Sweep(ctx context.Context) {
	r.mu.Lock()
	cooled := time.Now().Before(r.cooldownUntil)
	r.mu.Unlock()
	if cooled {
		log.Debug("background: refresh sweep skipped, global cooldown active")
		return
	}

	sem := semaphore.NewWeighted(refreshConcurrency)
	var wg sync.WaitGroup
	for _, cred := range r.creds.List(auth.KindAntigravity) {
		state := r.creds.State(auth.KindAntigravity, cred.Name)
		if state == nil || (state.Disabled && !state.AutoDisabledByWarmup) {
			continue
		}
		if !state.LastQuotaRefresh.IsZero() && time.Since(state.LastQuotaRefresh) < perCredentialMinInterval {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(cred *auth.Credential) {
			defer wg.Done()
			defer sem.Release(1)
			r.refreshOne(ctx, cred)
		}(cred)
	}
	wg.Wait()
}

func (r *Refresher) refreshOne(ctx context.Context, cred *auth.Credential) {
	if err := r.creds.RefreshIfNeeded(ctx, cred, tokenRefreshLead); err != nil {
		log.Warnf("background: token refresh failed for %s: %v", cred.Name, err)
		if isRateLimited(err.Error()) {
			r.enterCooldown()
		}
		return
	}

	baseURLs := r.baseURLs()
	var payload []byte
	var err error
	for _, base := range baseURLs {
		payload, err = r.exec.FetchAvailableModels(ctx, base, cred.AccessToken, cred.ProjectID)
		if err == nil {
			break
		}
	}
	if err != nil {
		log.Warnf("background: quota fetch failed for %s: %v", cred.Name, err)
		if isRateLimited(err.Error()) || gjson.GetBytes(payload, "error.status").String() == "RESOURCE_EXHAUSTED" {
			r.enterCooldown()
		}
		return
	}

	snapshots := ParseQuotaSnapshots(payload)
	for model, snap := range snapshots {
		r.creds.SetQuota(auth.KindAntigravity, cred.Name+"/"+model, snap)
	}
	r.creds.MarkQuotaRefreshed(auth.KindAntigravity, cred.Name)
	r.protect(cred.Name, snapshots)
}

// protect applies the quota-protection policy from this credential's
// fresh snapshots.
func (r *Refresher) protect(name string, snapshots map[string]*auth.QuotaSnapshot) {
	protection := r.cfg.Get().QuotaProtection
	if !protection.Enabled {
		return
	}
	threshold := protection.Threshold
	if threshold <= 0 {
		threshold = 0.2
	}

	low := false
	full := true
	for _, model := range protection.Models {
		snap, ok := snapshots[model]
		if !ok {
			continue
		}
		if snap.Remaining < threshold {
			low = true
		}
		if snap.Remaining < 1 {
			full = false
		}
	}

	state := r.creds.State(auth.KindAntigravity, name)
	if state == nil {
		return
	}
	switch {
	case low && !state.Disabled:
		log.Infof("background: quota protection disabling %s", name)
		r.creds.SetDisabled(auth.KindAntigravity, name, true, "quota protection", true)
	case full && state.Disabled && state.AutoDisabledByWarmup:
		log.Infof("background: quota recovered, re-enabling %s", name)
		r.creds.SetDisabled(auth.KindAntigravity, name, false, "", false)
	}
}

func (r *Refresher) enterCooldown() {
	r.mu.Lock()
	r.cooldownUntil = time.Now().Add(rateLimitGlobalCooldown)
	r.mu.Unlock()
	log.Warnf("background: rate limited during refresh, pausing loop for %s", rateLimitGlobalCooldown)
}

func (r *Refresher) baseURLs() []string {
	if backend := r.cfg.Get().Backend("antigravity"); backend != nil && len(backend.BaseURLs) > 0 {
		return backend.BaseURLs
	}
	return []string{"https://daily-cloudcode-pa.sandbox.googleapis.com"}
}

func isRateLimited(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "429") || strings.Contains(lower, "resource_exhausted") || strings.Contains(lower, "rate limit")
}

// ParseQuotaSnapshots extracts per-model quota fractions from a
// fetchAvailableModels payload.
func ParseQuotaSnapshots(payload []byte) map[string]*auth.QuotaSnapshot {
	out := make(map[string]*auth.QuotaSnapshot)
	now := time.Now()
	gjson.GetBytes(payload, "models").ForEach(func(_, model gjson.Result) bool {
		name := model.Get("modelId").String()
		if name == "" {
			name = model.Get("name").String()
		}
		if name == "" {
			return true
		}
		quota := model.Get("quotaInfo")
		if !quota.Exists() {
			return true
		}
		snap := &auth.QuotaSnapshot{
			Remaining: quota.Get("remainingFraction").Float(),
			FetchedAt: now,
		}
		if reset := quota.Get("resetTime").String(); reset != "" {
			if ts, err := time.Parse(time.RFC3339, reset); err == nil {
				snap.Reset = ts
			}
		}
		out[name] = snap
		return true
	})
	return out
}
