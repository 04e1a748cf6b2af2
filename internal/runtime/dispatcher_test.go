package runtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agproxy/agproxy/internal/auth"
	"github.com/agproxy/agproxy/internal/config"
	"github.com/agproxy/agproxy/internal/registry"
)

func testConfig(backend *config.Backend) *config.Provider {
	return config.NewProvider(&config.Config{
		Backends:                  []*config.Backend{backend},
		Routing:                   map[string]*config.RoutingRule{},
		Retry429:                  config.Retry429{Enabled: true, MaxRetries: 5},
		AntiTruncationMaxAttempts: 1,
	})
}

func testManager(t *testing.T, names ...string) *auth.Manager {
	t.Helper()
	m := auth.NewManager(nil, false, nil, &http.Client{Timeout: time.Second})
	m.SetMaxWait(10 * time.Millisecond)
	for _, name := range names {
		require.NoError(t, m.Upsert(&auth.Credential{
			Name:         name,
			Kind:         auth.KindAntigravity,
			AccessToken:  "token-" + name,
			RefreshToken: "refresh-" + name,
			Expiry:       time.Now().Add(time.Hour),
		}))
	}
	return m
}

func sseBody(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: " + e + "\n\n")
	}
	return b.String()
}

func testRequest(alias string) Request {
	res := registry.Resolve(alias)
	return Request{
		Alias:      alias,
		Resolution: res,
		Envelope:   []byte(`{"model":"` + res.Model + `","request":{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}}`),
	}
}

func TestDispatchStreamsAndRecordsSuccess(t *testing.T) {
	var gotPath, gotRequestType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestType = r.Header.Get("requestType")
		assert.True(t, strings.HasPrefix(r.Header.Get("requestId"), "req-"))
		assert.Contains(t, r.Header.Get("User-Agent"), "antigravity/")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"index":0}]}}`,
			`{"response":{"candidates":[{"content":{"role":"model","parts":[]},"index":0,"finishReason":"STOP"}]}}`,
		))
	}))
	defer server.Close()

	backend := &config.Backend{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{server.URL}, Enabled: true}
	creds := testManager(t, "alpha")
	d := NewDispatcher(testConfig(backend), creds, server.Client(), nil)

	stream, err := d.Dispatch(context.Background(), testRequest("gemini-3-flash"))
	require.Nil(t, err)
	defer stream.Close()

	assert.Equal(t, "/v1internal:streamGenerateContent", gotPath)
	assert.Equal(t, "agent", gotRequestType)
	assert.Equal(t, "alpha", stream.Credential)
	assert.Equal(t, "hello", gjson.GetBytes(stream.First, "response.candidates.0.content.parts.0.text").String())

	state := creds.State(auth.KindAntigravity, "alpha")
	require.NotNil(t, state)
	assert.False(t, state.LastSuccess.IsZero())
}

func TestDispatchRotatesCredentialOn429(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-alpha" {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limit exceeded, try again per minute"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]},"index":0,"finishReason":"STOP"}]}}`))
	}))
	defer server.Close()

	backend := &config.Backend{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{server.URL}, Enabled: true}
	creds := testManager(t, "alpha", "beta")
	// alpha is picked first: never succeeded, name sorts first.
	d := NewDispatcher(testConfig(backend), creds, server.Client(), nil)

	stream, err := d.Dispatch(context.Background(), testRequest("gemini-3-flash"))
	require.Nil(t, err)
	defer stream.Close()
	assert.Equal(t, "beta", stream.Credential)

	// alpha got a cooldown for the model.
	state := creds.State(auth.KindAntigravity, "alpha")
	require.NotNil(t, state)
	assert.True(t, state.CooledDown(registry.ModelGeminiFlash, time.Now()))
}

func TestDispatch429HonorsRetryAfterBeforeRotating(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-alpha" {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]},"index":0,"finishReason":"STOP"}]}}`))
	}))
	defer server.Close()

	backend := &config.Backend{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{server.URL}, Enabled: true}
	d := NewDispatcher(testConfig(backend), testManager(t, "alpha", "beta"), server.Client(), nil)

	start := time.Now()
	stream, err := d.Dispatch(context.Background(), testRequest("gemini-3-flash"))
	require.Nil(t, err)
	defer stream.Close()

	assert.Equal(t, "beta", stream.Credential)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestDispatchLoneCredential429EntersTieredBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"requests per minute"}}`)
	}))
	defer server.Close()

	backend := &config.Backend{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{server.URL}, Enabled: true}
	creds := testManager(t, "alpha")
	d := NewDispatcher(testConfig(backend), creds, server.Client(), nil)

	_, err := d.Dispatch(context.Background(), testRequest("gemini-3-flash"))
	require.NotNil(t, err)

	// With no other credential left, the failure escalates to the first
	// backoff tier instead of the per-minute default.
	state := creds.State(auth.KindAntigravity, "alpha")
	require.NotNil(t, state)
	assert.Equal(t, 1, state.ExhaustedStreak[registry.ModelGeminiFlash])
	until := state.ModelCooldowns[registry.ModelGeminiFlash]
	assert.WithinDuration(t, time.Now().Add(60*time.Second), until, 5*time.Second)
}

func TestDispatch401BoundedWhenRefreshFails(t *testing.T) {
	perToken := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		perToken[r.Header.Get("Authorization")]++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid authentication"}}`)
	}))
	defer server.Close()

	backend := &config.Backend{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{server.URL}, Enabled: true}
	creds := auth.NewManager(nil, false, nil, &http.Client{Timeout: time.Second})
	creds.SetMaxWait(10 * time.Millisecond)
	// No refresh token, so the 401 recovery path cannot mint a new one.
	require.NoError(t, creds.Upsert(&auth.Credential{
		Name:        "alpha",
		Kind:        auth.KindAntigravity,
		AccessToken: "token-alpha",
		Expiry:      time.Now().Add(time.Hour),
	}))
	d := NewDispatcher(testConfig(backend), creds, server.Client(), nil)

	_, err := d.Dispatch(context.Background(), testRequest("gemini-3-flash"))
	require.NotNil(t, err)
	assert.Equal(t, 401, err.StatusCode)
	// One upstream attempt, not an endless resend of the same stale token.
	assert.Equal(t, 1, perToken["Bearer token-alpha"])
}

func TestDispatchCapacityExhaustedDoesNotRetrySameCredential(t *testing.T) {
	perToken := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		perToken[r.Header.Get("Authorization")]++
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"MODEL_CAPACITY_EXHAUSTED"}}`)
	}))
	defer server.Close()

	backend := &config.Backend{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{server.URL, server.URL}, Enabled: true}
	creds := testManager(t, "alpha")
	d := NewDispatcher(testConfig(backend), creds, server.Client(), nil)

	_, err := d.Dispatch(context.Background(), testRequest("gemini-3-flash"))
	require.NotNil(t, err)
	assert.Equal(t, TagQuotaExhausted, err.Tag)
	// Two BaseURLs were configured but the credential was dropped after one.
	assert.Equal(t, 1, perToken["Bearer token-alpha"])
}

func TestDispatchBadRequestIsTerminal(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad schema"}}`)
	}))
	defer server.Close()

	backend := &config.Backend{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{server.URL}, Enabled: true}
	d := NewDispatcher(testConfig(backend), testManager(t, "alpha", "beta"), server.Client(), nil)

	_, err := d.Dispatch(context.Background(), testRequest("gemini-3-flash"))
	require.NotNil(t, err)
	assert.Equal(t, 400, err.StatusCode)
	assert.Equal(t, TagBadRequest, err.Tag)
	assert.Equal(t, 1, calls)
	assert.Contains(t, string(err.Upstream), "bad schema")
}

func TestDispatchNoCredential(t *testing.T) {
	backend := &config.Backend{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{"http://127.0.0.1:0"}, Enabled: true}
	d := NewDispatcher(testConfig(backend), testManager(t), &http.Client{Timeout: time.Second}, nil)

	_, err := d.Dispatch(context.Background(), testRequest("gemini-3-flash"))
	require.NotNil(t, err)
	assert.Equal(t, TagNoCredential, err.Tag)
}

func TestDispatchCollectMergesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hel"}]},"index":0}]}}`,
			`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"index":0,"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2}}}`,
		))
	}))
	defer server.Close()

	backend := &config.Backend{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{server.URL}, Enabled: true}
	d := NewDispatcher(testConfig(backend), testManager(t, "alpha"), server.Client(), nil)

	merged, err := d.DispatchCollect(context.Background(), testRequest("gemini-3-flash"))
	require.Nil(t, err)
	assert.Equal(t, "hello", gjson.GetBytes(merged, "candidates.0.content.parts.0.text").String())
	assert.Equal(t, "STOP", gjson.GetBytes(merged, "candidates.0.finishReason").String())
	assert.Equal(t, int64(3), gjson.GetBytes(merged, "usageMetadata.promptTokenCount").Int())
}

func TestDispatchFallsBackToCompatBackend(t *testing.T) {
	agServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer agServer.Close()

	var compatBody string
	compatServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		compatBody = string(buf)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"role":"assistant","content":"fallback"},"index":0}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop","index":0}]}`,
		)+"data: [DONE]\n\n")
	}))
	defer compatServer.Close()

	cfg := &config.Config{
		Backends: []*config.Backend{
			{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{agServer.URL}, Enabled: true},
			{Name: "copilot", Kind: "openai", BaseURLs: []string{compatServer.URL}, APIKeys: []string{"sk-test"}, Enabled: true},
		},
		Routing: map[string]*config.RoutingRule{
			"gemini-3-flash": {
				Enabled:    true,
				FallbackOn: []string{"429", "503", "timeout", "unavailable"},
				Chain: []config.ChainEntry{
					{Backend: "antigravity", TargetModel: registry.ModelGeminiFlash},
					{Backend: "copilot", TargetModel: "gpt-4o"},
				},
			},
		},
		Retry429:                  config.Retry429{Enabled: true, MaxRetries: 1},
		AntiTruncationMaxAttempts: 1,
	}
	d := NewDispatcher(config.NewProvider(cfg), testManager(t, "alpha"), http.DefaultClient, nil)

	stream, err := d.Dispatch(context.Background(), testRequest("gemini-3-flash"))
	require.Nil(t, err)
	defer stream.Close()

	assert.Equal(t, "copilot", stream.Backend)
	assert.Equal(t, "gpt-4o", gjson.Get(compatBody, "model").String())
	assert.Equal(t, "fallback", gjson.GetBytes(stream.First, "candidates.0.content.parts.0.text").String())
}
