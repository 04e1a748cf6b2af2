package runtime

import (
	"context"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agproxy/agproxy/internal/config"
	"github.com/agproxy/agproxy/internal/streaming"
	"github.com/agproxy/agproxy/internal/translator/antigravity"
)

// dispatchCompat runs the request against an OpenAI-compatible backend.
// The envelope is rendered as a Chat Completions stream request and the
// backend's chunks are converted back into upstream-shape events, so the
// caller sees the same stream contract as the Antigravity path.
func (d *Dispatcher) dispatchCompat(ctx context.Context, req Request, backend *config.Backend, targetModel string) (*Stream, *Error) {
	body := antigravity.EnvelopeToOpenAI(req.Envelope, targetModel, true)
	keys := backend.APIKeys
	if len(keys) == 0 {
		keys = []string{""}
	}

	var lastErr *Error
	for _, baseURL := range backend.BaseURLs {
		for _, key := range keys {
			start := time.Now()
			resp, err := d.compat.ChatCompletions(ctx, baseURL, key, body)
			if err != nil {
				d.logAttempt(backend.Name, targetModel, "", 0, start, err.Error())
				lastErr = NewError(http.StatusBadGateway, TagUpstream, "backend connection failed: "+err.Error())
				continue
			}
			if resp.StatusCode/100 != 2 {
				respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
				resp.Body.Close()
				d.logAttempt(backend.Name, targetModel, "", resp.StatusCode, start, truncateDetail(respBody))
				lastErr = &Error{StatusCode: resp.StatusCode, Tag: compatTag(resp.StatusCode), Message: "backend error", Upstream: respBody}
				if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
					resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
					continue // next key, then next URL
				}
				return nil, lastErr
			}

			stream, streamErr := d.openCompatStream(ctx, resp, backend, targetModel)
			if stream != nil {
				d.logAttempt(backend.Name, targetModel, "", resp.StatusCode, start, "ok")
				return stream, nil
			}
			lastErr = streamErr
		}
	}
	if lastErr == nil {
		lastErr = NewError(http.StatusServiceUnavailable, TagUpstream, "backend "+backend.Name+" has no base urls")
	}
	return nil, lastErr
}

func compatTag(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return TagRateLimited
	case status == http.StatusBadRequest:
		return TagBadRequest
	default:
		return TagUpstream
	}
}

// openCompatStream adapts a compat backend's SSE stream to upstream-shape
// events. No semaphore is involved; only Antigravity carries the permit.
func (d *Dispatcher) openCompatStream(ctx context.Context, resp *http.Response, backend *config.Backend, targetModel string) (*Stream, *Error) {
	streamCtx, cancel := context.WithCancel(ctx)
	raw := streaming.Stream(streamCtx, resp.Body, streaming.Options{MaxDuration: backend.StreamTimeout()})

	converted := make(chan streaming.Event)
	cs := antigravity.NewCompatStream()
	go func() {
		defer close(converted)
		for event := range raw {
			if event.Err != nil {
				converted <- event
				return
			}
			if out := cs.Event(event.Data); out != nil {
				select {
				case converted <- streaming.Event{Data: out}:
				case <-streamCtx.Done():
					return
				}
			}
		}
		select {
		case converted <- streaming.Event{Data: cs.Finish()}:
		case <-streamCtx.Done():
		}
	}()

	first, ok := <-converted
	if !ok || first.Err != nil {
		cancel()
		resp.Body.Close()
		if ok && first.Err == streaming.ErrFirstChunkTimeout {
			return nil, NewError(http.StatusGatewayTimeout, TagStall, "backend produced no data before deadline")
		}
		return nil, NewError(http.StatusBadGateway, TagUpstream, "backend stream ended before first event")
	}

	closeFn := func() {
		cancel()
		resp.Body.Close()
	}
	return &Stream{
		Backend: backend.Name,
		Model:   targetModel,
		First:   first.Data,
		Events:  converted,
		Close:   closeFn,
	}, nil
}

// DispatchCollect runs the request and folds the stream into one merged
// upstream response; the path for non-stream clients. An entirely empty
// response is retried up to the anti-truncation budget.
func (d *Dispatcher) DispatchCollect(ctx context.Context, req Request) ([]byte, *Error) {
	attempts := d.cfg.Get().AntiTruncationMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr *Error
	for attempt := 0; attempt < attempts; attempt++ {
		stream, err := d.Dispatch(ctx, req)
		if err != nil {
			return nil, err
		}
		events := [][]byte{stream.First}
		var streamErr error
		for event := range stream.Events {
			if event.Err != nil {
				streamErr = event.Err
				break
			}
			events = append(events, event.Data)
		}
		stream.Close()

		if streamErr != nil && len(events) <= 1 {
			lastErr = NewError(http.StatusBadGateway, TagUpstream, "stream failed: "+streamErr.Error())
			continue
		}
		merged := antigravity.MergeEvents(events)
		if antigravity.IsEmptyResponse(merged) {
			log.Warnf("dispatch: empty response from %s/%s, attempt %d/%d", stream.Backend, stream.Model, attempt+1, attempts)
			lastErr = NewError(http.StatusBadGateway, TagUpstream, "upstream returned no content")
			continue
		}
		return merged, nil
	}
	if lastErr == nil {
		lastErr = NewError(http.StatusBadGateway, TagUpstream, "upstream returned no content")
	}
	return nil, lastErr
}
