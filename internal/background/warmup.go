package background

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agproxy/agproxy/internal/auth"
	"github.com/agproxy/agproxy/internal/config"
	"github.com/agproxy/agproxy/internal/runtime/executor"
	"github.com/agproxy/agproxy/internal/store"
)

const (
	warmupInterval = 30 * time.Minute

	// warmupLocalCooldown is the minimum gap between warmup pings for one
	// credential/model pair, independent of cycle marks.
	warmupLocalCooldown = 5 * time.Hour
)

// warmupMark is the persisted record of a completed warmup attempt, so a
// restart does not re-warm an already-consumed cycle.
type warmupMark struct {
	CycleStart  time.Time `json:"cycle_start"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Warmer pings 100%-quota models with a one-token request so their quota
// cycle starts ticking while the pool is idle.
type Warmer struct {
	cfg   *config.Provider
	creds *auth.Manager
	exec  *executor.Antigravity
	store *store.Store
}

// NewWarmer wires the smart warmup loop.
func NewWarmer(cfg *config.Provider, creds *auth.Manager, exec *executor.Antigravity, st *store.Store) *Warmer {
	return &Warmer{cfg: cfg, creds: creds, exec: exec, store: st}
}

// Run loops until the context ends.
func (w *Warmer) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(warmupInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		w.Sweep(ctx)
	}
}

// Sweep visits every credential/watched-model pair once.
func (w *Warmer) Sweep(ctx context.Context) {
	models := w.cfg.Get().QuotaProtection.Models
	if len(models) == 0 {
		return
	}
	for _, cred := range w.creds.List(auth.KindAntigravity) {
		state := w.creds.State(auth.KindAntigravity, cred.Name)
		if state == nil || state.Disabled {
			continue
		}
		blocked := false
		for _, model := range models {
			if blocked {
				break
			}
			if !w.shouldWarm(cred.Name, model) {
				continue
			}
			blocked = w.warmOne(ctx, cred, model)
		}
	}
}

// shouldWarm checks quota, the local cooldown, and the persisted cycle
// mark for one pair.
func (w *Warmer) shouldWarm(name, model string) bool {
	quota := w.creds.Quota(auth.KindAntigravity, name+"/"+model)
	if quota == nil || quota.Remaining < 1 {
		return false
	}
	mark := w.loadMark(name, model)
	if mark == nil {
		return true
	}
	if time.Since(mark.AttemptedAt) < warmupLocalCooldown {
		return false
	}
	// Same quota cycle as the last attempt: consumption is already proven.
	if !quota.Reset.IsZero() && !mark.CycleStart.IsZero() {
		cycleStart := deriveCycleStart(quota.Reset)
		if !cycleStart.After(mark.CycleStart) {
			return false
		}
	}
	return true
}

// deriveCycleStart maps the upstream resetTime onto the start of the
// current quota cycle (5-hour windows).
func deriveCycleStart(reset time.Time) time.Time {
	return reset.Add(-5 * time.Hour)
}

// warmOne issues the one-token ping. The return value reports whether the
// whole credential should be skipped for the rest of this sweep.
func (w *Warmer) warmOne(ctx context.Context, cred *auth.Credential, model string) (blockCredential bool) {
	envelope := []byte(`{"model":"` + model + `","request":{` +
		`"contents":[{"role":"user","parts":[{"text":"hi"}]}],` +
		`"generationConfig":{"maxOutputTokens":1}}}`)

	var resp *http.Response
	var err error
	for _, base := range w.baseURLs() {
		resp, err = w.exec.Generate(ctx, executor.Attempt{
			BaseURL:     base,
			Model:       model,
			Credential:  cred.Name,
			AccessToken: cred.AccessToken,
			ProjectID:   cred.ProjectID,
		}, envelope)
		if err == nil {
			break
		}
	}
	if err != nil {
		// Connect failure: skip the credential entirely this cycle.
		log.Warnf("warmup: %s unreachable: %v", cred.Name, err)
		return true
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	// 2xx proved consumption; 429 proves it just as well.
	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusTooManyRequests {
		log.Infof("warmup: pinged %s/%s (status %d)", cred.Name, model, resp.StatusCode)
		w.saveMark(cred.Name, model)
	} else {
		log.Warnf("warmup: ping for %s/%s failed with status %d", cred.Name, model, resp.StatusCode)
	}
	return false
}

func (w *Warmer) markKey(name, model string) string {
	return strings.ToLower(auth.KindAntigravity) + "/" + name + "/" + model
}

func (w *Warmer) loadMark(name, model string) *warmupMark {
	if w.store == nil {
		return nil
	}
	blob, err := w.store.GetWarmupMark(w.markKey(name, model))
	if err != nil || blob == nil {
		return nil
	}
	var mark warmupMark
	if json.Unmarshal(blob, &mark) != nil {
		return nil
	}
	return &mark
}

func (w *Warmer) saveMark(name, model string) {
	mark := warmupMark{AttemptedAt: time.Now()}
	if quota := w.creds.Quota(auth.KindAntigravity, name+"/"+model); quota != nil && !quota.Reset.IsZero() {
		mark.CycleStart = deriveCycleStart(quota.Reset)
	}
	if w.store == nil {
		return
	}
	blob, _ := json.Marshal(mark)
	if err := w.store.PutWarmupMark(w.markKey(name, model), blob); err != nil {
		log.Warnf("warmup: cannot persist mark for %s/%s: %v", name, model, err)
	}
}

func (w *Warmer) baseURLs() []string {
	if backend := w.cfg.Get().Backend("antigravity"); backend != nil && len(backend.BaseURLs) > 0 {
		return backend.BaseURLs
	}
	return []string{"https://daily-cloudcode-pa.sandbox.googleapis.com"}
}
