package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/agproxy/agproxy/internal/auth"
	"github.com/agproxy/agproxy/internal/config"
	"github.com/agproxy/agproxy/internal/logging"
	"github.com/agproxy/agproxy/internal/registry"
	"github.com/agproxy/agproxy/internal/runtime/executor"
	"github.com/agproxy/agproxy/internal/streaming"
)

const (
	// antigravityConcurrency caps in-flight upstream calls; the quota
	// accounting upstream punishes bursts.
	antigravityConcurrency = 2

	// antigravityInterval is the minimum gap between upstream sends.
	antigravityInterval = 500 * time.Millisecond

	defaultCredentialSwitches = 5
	maxSameCredRetries        = 2

	backoffBase = time.Second
	backoffCap  = 1800 * time.Second

	// firstChunkCooldown discourages immediate reuse of a credential whose
	// stream stalled before the first event.
	firstChunkCooldown = 5 * time.Second
)

// Request is one dispatchable unit: a translated envelope plus routing
// inputs.
type Request struct {
	Alias      string
	Resolution registry.Resolution
	Envelope   []byte
	SessionID  string
}

// Stream is a live upstream stream handed to the caller after the first
// event arrived; Close releases the body and the concurrency permit.
type Stream struct {
	Backend    string
	Model      string
	Credential string
	First      []byte
	Events     <-chan streaming.Event
	Close      func()
}

// Dispatcher walks the fallback chain for a request, rotating credentials
// and BaseURLs per the outcome classification.
type Dispatcher struct {
	cfg    *config.Provider
	creds  *auth.Manager
	ag     *executor.Antigravity
	compat *executor.OpenAICompat
	sem    *semaphore.Weighted
	gate   *rate.Limiter
	reqLog *logging.RequestLogger
}

// NewDispatcher wires the dispatcher with its executors and limiters.
func NewDispatcher(cfg *config.Provider, creds *auth.Manager, client *http.Client, reqLog *logging.RequestLogger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		creds:  creds,
		ag:     &executor.Antigravity{Client: client},
		compat: &executor.OpenAICompat{Client: client},
		sem:    semaphore.NewWeighted(antigravityConcurrency),
		gate:   rate.NewLimiter(rate.Every(antigravityInterval), 1),
		reqLog: reqLog,
	}
}

// chain resolves the fallback chain for an alias: the routing rule when
// one exists, otherwise the model-family default on the antigravity
// backend.
func (d *Dispatcher) chain(req Request) ([]config.ChainEntry, map[int]bool, map[string]bool) {
	if rule := d.cfg.Get().Rule(req.Alias); rule != nil {
		statuses, symbolic := rule.FallbackTriggers()
		return rule.Chain, statuses, symbolic
	}
	entry := config.ChainEntry{Backend: "antigravity", TargetModel: req.Resolution.Model}
	return []config.ChainEntry{entry}, map[int]bool{429: true, 503: true}, map[string]bool{"timeout": true, "connection_error": true}
}

// Dispatch drives the request until a stream opens or the chain is
// exhausted.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Stream, *Error) {
	chain, statuses, symbolic := d.chain(req)

	var lastErr *Error
	for _, entry := range chain {
		backend := d.cfg.Get().Backend(entry.Backend)
		if backend == nil || !backend.Enabled {
			continue
		}
		var stream *Stream
		var attemptErr *Error
		if backend.Kind == "antigravity" {
			stream, attemptErr = d.dispatchAntigravity(ctx, req, backend, entry.TargetModel)
		} else {
			stream, attemptErr = d.dispatchCompat(ctx, req, backend, entry.TargetModel)
		}
		if stream != nil {
			return stream, nil
		}
		lastErr = attemptErr
		if attemptErr != nil && !shouldAdvanceChain(attemptErr, statuses, symbolic) {
			return nil, attemptErr
		}
		log.Warnf("dispatch: backend %s failed for %s (%v), advancing chain", entry.Backend, req.Alias, attemptErr)
	}
	if lastErr == nil {
		lastErr = NewError(http.StatusServiceUnavailable, TagNoCredential, "no enabled backend for model "+req.Alias)
	}
	return nil, lastErr
}

func shouldAdvanceChain(err *Error, statuses map[int]bool, symbolic map[string]bool) bool {
	if statuses[err.StatusCode] {
		return true
	}
	switch err.Tag {
	case TagStall:
		return symbolic["timeout"]
	case TagNoCredential, TagQuotaExhausted:
		return symbolic["unavailable"] || len(statuses) > 0 || len(symbolic) > 0
	case TagUpstream:
		return symbolic["connection_error"] || statuses[err.StatusCode]
	case TagRateLimited:
		return statuses[429]
	}
	return false
}

func (d *Dispatcher) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = backoffCap
	b.MaxElapsedTime = 0
	return b
}

// sleep pauses for the pacing delay, stretched to honor a cooldown hint
// but never past the cap.
func (d *Dispatcher) sleep(ctx context.Context, pace backoff.BackOff, until time.Time) error {
	delay := pace.NextBackOff()
	if hint := time.Until(until); hint > delay {
		delay = hint
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) maxSwitches() int {
	if retry := d.cfg.Get().Retry429; retry.Enabled && retry.MaxRetries > 0 {
		return retry.MaxRetries
	}
	return defaultCredentialSwitches
}

func (d *Dispatcher) dispatchAntigravity(ctx context.Context, req Request, backend *config.Backend, targetModel string) (*Stream, *Error) {
	pace := d.newBackoff()
	tried := make(map[string]bool)
	var lastFailed string
	var lastErr *Error

	for switches := 0; switches <= d.maxSwitches(); switches++ {
		cred := d.creds.Pick(ctx, auth.KindAntigravity, targetModel)
		if cred == nil || tried[cred.Name] {
			// Either the pool is empty or selection cycled back to a
			// credential that already failed this dispatch.
			d.creds.ReportPoolExhausted(ctx, auth.KindAntigravity, targetModel, lastFailed)
			if lastErr == nil {
				lastErr = NewError(http.StatusServiceUnavailable, TagNoCredential, "no credential available for "+targetModel)
			}
			return nil, lastErr
		}
		tried[cred.Name] = true
		if err := d.creds.RefreshIfNeeded(ctx, cred, 2*time.Minute); err != nil {
			log.Warnf("dispatch: refresh failed for %s: %v", cred.Name, err)
		}

		exhausted := d.poolExhausted(tried, cred.Name)
		stream, outcome := d.tryCredential(ctx, req, backend, targetModel, cred, pace, exhausted)
		if stream != nil {
			return stream, nil
		}
		lastFailed = cred.Name
		lastErr = outcome
		if outcome != nil && outcome.Tag == TagBadRequest {
			return nil, outcome
		}
		if ctx.Err() != nil {
			return nil, NewError(499, TagUpstream, "client disconnected")
		}
	}
	if lastErr == nil {
		lastErr = NewError(http.StatusServiceUnavailable, TagNoCredential, "credential rotation budget exhausted for "+targetModel)
	}
	return nil, lastErr
}

// poolExhausted reports whether every other usable credential has already
// failed this dispatch; failures recorded then escalate to the tiered
// backoff instead of the per-error default.
func (d *Dispatcher) poolExhausted(tried map[string]bool, current string) bool {
	for _, cred := range d.creds.List(auth.KindAntigravity) {
		if cred.Name == current || tried[cred.Name] {
			continue
		}
		if state := d.creds.State(auth.KindAntigravity, cred.Name); state != nil && state.Disabled {
			continue
		}
		return false
	}
	return true
}

// tryCredential walks the backend's BaseURLs with one credential.
func (d *Dispatcher) tryCredential(ctx context.Context, req Request, backend *config.Backend, targetModel string, cred *auth.Credential, pace backoff.BackOff, exhausted bool) (*Stream, *Error) {
	envelope := req.Envelope
	var lastErr *Error

	for _, baseURL := range backend.BaseURLs {
		sameCredRetries := 0
		refreshed := false
	retrySameURL:
		if err := d.acquire(ctx); err != nil {
			return nil, NewError(499, TagUpstream, "client disconnected")
		}
		start := time.Now()
		resp, err := d.ag.Generate(ctx, executor.Attempt{
			BaseURL:     baseURL,
			Model:       targetModel,
			Credential:  cred.Name,
			AccessToken: cred.AccessToken,
			ProjectID:   cred.ProjectID,
			SessionID:   req.SessionID,
		}, envelope)
		if err != nil {
			d.sem.Release(1)
			d.logAttempt(backend.Name, targetModel, cred.Name, 0, start, err.Error())
			lastErr = NewError(http.StatusBadGateway, TagUpstream, "upstream connection failed: "+err.Error())
			if sameCredRetries < maxSameCredRetries {
				sameCredRetries++
				if d.sleep(ctx, pace, time.Time{}) != nil {
					return nil, lastErr
				}
				goto retrySameURL
			}
			continue
		}

		if resp.StatusCode/100 == 2 {
			stream, streamErr := d.openStream(ctx, resp, backend, targetModel, cred)
			if stream != nil {
				d.logAttempt(backend.Name, targetModel, cred.Name, resp.StatusCode, start, "ok")
				return stream, nil
			}
			lastErr = streamErr
			d.logAttempt(backend.Name, targetModel, cred.Name, resp.StatusCode, start, streamErr.Message)
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		d.sem.Release(1)
		d.logAttempt(backend.Name, targetModel, cred.Name, resp.StatusCode, start, truncateDetail(body))

		switch {
		case resp.StatusCode == http.StatusBadRequest:
			return nil, &Error{StatusCode: 400, Tag: TagBadRequest, Message: "upstream rejected request", Upstream: body}

		case resp.StatusCode == http.StatusUnauthorized:
			// One refresh attempt per URL; a second 401 means the account
			// itself is rejected, not the token.
			if refreshed {
				d.creds.RecordFailure(auth.KindAntigravity, cred.Name, targetModel, resp.StatusCode, resp.Header, body, exhausted)
				return nil, &Error{StatusCode: 401, Tag: TagUpstream, Message: "upstream rejected refreshed credential", Upstream: body}
			}
			if err := d.creds.Refresh(ctx, cred); err != nil {
				d.creds.RecordFailure(auth.KindAntigravity, cred.Name, targetModel, resp.StatusCode, resp.Header, body, exhausted)
				return nil, &Error{StatusCode: 401, Tag: TagUpstream, Message: "credential refresh failed", Upstream: body}
			}
			refreshed = true
			goto retrySameURL

		case resp.StatusCode == http.StatusTooManyRequests:
			d.creds.RecordFailure(auth.KindAntigravity, cred.Name, targetModel, resp.StatusCode, resp.Header, body, exhausted)
			if auth.IsCapacityExhausted(body) {
				// Do not retry this credential for this model.
				return nil, &Error{StatusCode: 429, Tag: TagQuotaExhausted, Message: "model capacity exhausted", Upstream: body}
			}
			lastErr = &Error{StatusCode: 429, Tag: TagRateLimited, Message: "upstream rate limited", Upstream: body}
			// Pace before the next attempt; a parsed hint stretches the
			// sleep up to the cap.
			hint := auth.ParseCooldownHint(resp.Header, body, time.Now())
			if d.sleep(ctx, pace, hint) != nil {
				return nil, lastErr
			}
			// More BaseURLs first; rotation happens when the URL list runs out.
			continue

		case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == 529:
			d.creds.RecordFailure(auth.KindAntigravity, cred.Name, targetModel, resp.StatusCode, resp.Header, body, exhausted)
			lastErr = &Error{StatusCode: resp.StatusCode, Tag: TagRateLimited, Message: "upstream unavailable", Upstream: body}
			if d.sleep(ctx, pace, time.Time{}) != nil {
				return nil, lastErr
			}
			continue

		case resp.StatusCode >= 500:
			d.creds.RecordFailure(auth.KindAntigravity, cred.Name, targetModel, resp.StatusCode, resp.Header, body, exhausted)
			lastErr = &Error{StatusCode: resp.StatusCode, Tag: TagUpstream, Message: "upstream server error", Upstream: body}
			if sameCredRetries < maxSameCredRetries {
				sameCredRetries++
				if d.sleep(ctx, pace, time.Time{}) != nil {
					return nil, lastErr
				}
				goto retrySameURL
			}
			continue

		default:
			d.creds.RecordFailure(auth.KindAntigravity, cred.Name, targetModel, resp.StatusCode, resp.Header, body, exhausted)
			return nil, &Error{StatusCode: resp.StatusCode, Tag: TagUpstream, Message: "unexpected upstream status", Upstream: body}
		}
	}
	if lastErr == nil {
		lastErr = NewError(http.StatusBadGateway, TagUpstream, "all base urls failed")
	}
	return nil, lastErr
}

// openStream waits for the first event; a stall cools the credential down
// and reports for rotation.
func (d *Dispatcher) openStream(ctx context.Context, resp *http.Response, backend *config.Backend, targetModel string, cred *auth.Credential) (*Stream, *Error) {
	streamCtx, cancel := context.WithCancel(ctx)
	events := streaming.Stream(streamCtx, resp.Body, streaming.Options{
		MaxDuration: backend.StreamTimeout(),
	})

	first, ok := <-events
	if !ok || first.Err != nil {
		cancel()
		resp.Body.Close()
		d.sem.Release(1)
		if ok && errors.Is(first.Err, streaming.ErrFirstChunkTimeout) {
			d.creds.ApplyCooldown(auth.KindAntigravity, cred.Name, targetModel, firstChunkCooldown)
			return nil, NewError(http.StatusGatewayTimeout, TagStall, "upstream produced no data before deadline")
		}
		return nil, NewError(http.StatusBadGateway, TagUpstream, "upstream stream ended before first event")
	}

	d.creds.RecordSuccess(auth.KindAntigravity, cred.Name, targetModel)

	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			cancel()
			resp.Body.Close()
			d.sem.Release(1)
		})
	}
	return &Stream{
		Backend:    backend.Name,
		Model:      targetModel,
		Credential: cred.Name,
		First:      first.Data,
		Events:     events,
		Close:      closeFn,
	}, nil
}

// acquire takes the concurrency permit and honors the interval gate.
func (d *Dispatcher) acquire(ctx context.Context) error {
	if err := d.gate.Wait(ctx); err != nil {
		return err
	}
	return d.sem.Acquire(ctx, 1)
}

func (d *Dispatcher) logAttempt(backend, model, credential string, status int, start time.Time, detail string) {
	if d.reqLog != nil {
		d.reqLog.LogAttempt(backend, model, credential, status, time.Since(start), detail)
	}
}

func truncateDetail(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
