package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/agproxy/agproxy/internal/auth"
	"github.com/agproxy/agproxy/internal/cache"
	"github.com/agproxy/agproxy/internal/config"
	"github.com/agproxy/agproxy/internal/runtime"
)

func testServer(t *testing.T, upstream http.HandlerFunc) (*Server, *httptest.Server) {
	t.Helper()
	fake := httptest.NewServer(upstream)
	t.Cleanup(fake.Close)

	cfg := &config.Config{
		APIPassword: "secret",
		Backends: []*config.Backend{
			{Name: "antigravity", Kind: "antigravity", BaseURLs: []string{fake.URL}, Enabled: true},
		},
		Routing:                   map[string]*config.RoutingRule{},
		Retry429:                  config.Retry429{Enabled: true, MaxRetries: 1},
		AntiTruncationMaxAttempts: 1,
		ReturnThoughts:            true,
		CompatibilityMode:         true,
	}
	creds := auth.NewManager(nil, false, nil, &http.Client{Timeout: time.Second})
	creds.SetMaxWait(10 * time.Millisecond)
	require.NoError(t, creds.Upsert(&auth.Credential{
		Name:         "alpha",
		Kind:         auth.KindAntigravity,
		AccessToken:  "token-alpha",
		RefreshToken: "refresh-alpha",
		Expiry:       time.Now().Add(time.Hour),
	}))
	provider := config.NewProvider(cfg)
	disp := runtime.NewDispatcher(provider, creds, fake.Client(), nil)
	return NewServer(provider, disp, cache.NewSignatureCache(nil)), fake
}

func sseUpstream(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range events {
			_, _ = w.Write([]byte("data: " + event + "\n\n"))
		}
	}
}

func do(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s, _ := testServer(t, sseUpstream())
	rec := do(s, http.MethodGet, "/v1/models", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(s, http.MethodGet, "/v1/models", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestModelsListsRegistry(t *testing.T) {
	s, _ := testServer(t, sseUpstream())
	rec := do(s, http.MethodGet, "/v1/models", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())
	ids := gjson.Get(body, "data.#.id").String()
	assert.Contains(t, ids, "gemini-3-flash")
	assert.Contains(t, ids, "claude-sonnet-4-5")
}

func TestChatCompletionsNonStream(t *testing.T) {
	s, _ := testServer(t, sseUpstream(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"index":0,"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":1}}}`,
	))
	rec := do(s, http.MethodPost, "/v1/chat/completions", "secret",
		`{"model":"gemini-3-flash","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "chat.completion", gjson.Get(body, "object").String())
	assert.Equal(t, "hello", gjson.Get(body, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(body, "choices.0.finish_reason").String())
	assert.Equal(t, int64(4), gjson.Get(body, "usage.prompt_tokens").Int())
}

func TestChatCompletionsStream(t *testing.T) {
	s, _ := testServer(t, sseUpstream(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hel"}]},"index":0}]}}`,
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"index":0,"finishReason":"STOP"}]}}`,
	))
	rec := do(s, http.MethodPost, "/v1/chat/completions", "secret",
		`{"model":"gemini-3-flash","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	body := rec.Body.String()
	assert.Contains(t, body, `"content":"hel"`)
	assert.Contains(t, body, `"content":"lo"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

func TestClaudeMessagesNonStream(t *testing.T) {
	s, _ := testServer(t, sseUpstream(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hi there"}]},"index":0,"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2}}}`,
	))
	rec := do(s, http.MethodPost, "/v1/messages", "secret",
		`{"model":"claude-sonnet-4-5","max_tokens":128,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "message", gjson.Get(body, "type").String())
	assert.Equal(t, "hi there", gjson.Get(body, "content.0.text").String())
	assert.Equal(t, "end_turn", gjson.Get(body, "stop_reason").String())
}

func TestClaudeMessagesStreamEvents(t *testing.T) {
	s, _ := testServer(t, sseUpstream(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"index":0,"finishReason":"STOP"}]}}`,
	))
	rec := do(s, http.MethodPost, "/v1/messages", "secret",
		`{"model":"claude-sonnet-4-5","max_tokens":128,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "event: message_start")
	assert.Contains(t, body, "event: content_block_start")
	assert.Contains(t, body, `"text_delta"`)
	assert.Contains(t, body, "event: message_stop")
}

func TestCountTokensIsLocal(t *testing.T) {
	upstreamCalls := 0
	s, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) { upstreamCalls++ })
	rec := do(s, http.MethodPost, "/v1/messages/count_tokens", "secret",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"count these tokens please"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, gjson.Get(rec.Body.String(), "input_tokens").Int(), int64(0))
	assert.Equal(t, 0, upstreamCalls)
}

func TestGeminiGenerateContent(t *testing.T) {
	s, _ := testServer(t, sseUpstream(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"native"}]},"index":0,"finishReason":"STOP"}]}}`,
	))
	rec := do(s, http.MethodPost, "/v1beta/models/gemini-3-flash:generateContent", "secret",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "native", gjson.Get(body, "candidates.0.content.parts.0.text").String())
	assert.Equal(t, "gemini-3-flash", gjson.Get(body, "modelVersion").String())
}

func TestGeminiStreamGenerateContent(t *testing.T) {
	s, _ := testServer(t, sseUpstream(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"chunk"}]},"index":0,"finishReason":"STOP"}]}}`,
	))
	rec := do(s, http.MethodPost, "/v1beta/models/gemini-3-flash:streamGenerateContent?alt=sse", "secret",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"text":"chunk"`)
}

func TestGeminiRejectsUnknownVerb(t *testing.T) {
	s, _ := testServer(t, sseUpstream())
	rec := do(s, http.MethodPost, "/v1beta/models/gemini-3-flash:embedContent", "secret", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStreamEmitsTextAndEndTurn(t *testing.T) {
	s, _ := testServer(t, sseUpstream(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"bridge reply"}]},"index":0,"finishReason":"STOP"}]}}`,
	))
	rec := do(s, http.MethodPost, "/chat-stream", "secret",
		`{"message":"hi","conversation_id":"conv-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "bridge reply", gjson.Get(lines[0], "text").String())
	assert.Equal(t, "end_turn", gjson.Get(lines[1], "stop_reason").String())
}

func TestChatStreamToolLoop(t *testing.T) {
	var bodies []string
	s, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(buf))
		w.Header().Set("Content-Type", "text/event-stream")
		if len(bodies) == 1 {
			_, _ = w.Write([]byte(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"id":"call_1","name":"get_weather","args":{"city":"Oslo"}}}]},"index":0,"finishReason":"STOP"}]}}` + "\n\n"))
			return
		}
		_, _ = w.Write([]byte(`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"sunny"}]},"index":0,"finishReason":"STOP"}]}}` + "\n\n"))
	})

	rec := do(s, http.MethodPost, "/chat-stream", "secret",
		`{"message":"weather in oslo?","conversation_id":"conv-2","tool_definitions":[{"name":"get_weather","description":"","input_schema_json":"{\"type\":\"object\",\"properties\":{\"city\":{\"type\":\"string\"}}}"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "tool_use", gjson.Get(lines[0], "stop_reason").String())
	node := gjson.Get(lines[0], "nodes.0")
	assert.Equal(t, int64(5), node.Get("type").Int())
	assert.Equal(t, "get_weather", node.Get("tool_use.tool_name").String())
	toolUseID := node.Get("tool_use.tool_use_id").String()
	require.NotEmpty(t, toolUseID)

	// The continuation carries only the tool result; the bridge replays the
	// assistant tool call from conversation state.
	rec = do(s, http.MethodPost, "/chat-stream", "secret",
		`{"message":"","conversation_id":"conv-2","chat_history":[{"request_message":"weather in oslo?"}],"nodes":[{"type":1,"tool_result_node":{"tool_use_id":"`+toolUseID+`","content":"12C, clear"}}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, bodies, 2)

	followUp := bodies[1]
	assert.Contains(t, followUp, `"functionCall"`)
	assert.Contains(t, followUp, `"functionResponse"`)
	assert.Contains(t, followUp, "get_weather")
	assert.Equal(t, "sunny", gjson.Get(strings.Split(strings.TrimSpace(rec.Body.String()), "\n")[0], "text").String())
}

func TestPanelPasswordBcrypt(t *testing.T) {
	s, _ := testServer(t, sseUpstream())
	hash, err := bcrypt.GenerateFromPassword([]byte("panel-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	fresh := *s.cfg.Get()
	fresh.PanelPassword = string(hash)
	s.cfg.Swap(&fresh)

	rec := do(s, http.MethodGet, "/v1/models", "panel-pass", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/v1/models", "not-the-password", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConfigSwapAppliesToNextRequest(t *testing.T) {
	s, _ := testServer(t, sseUpstream())
	rec := do(s, http.MethodGet, "/v1/models", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// A swapped snapshot takes effect without restarting the server.
	fresh := *s.cfg.Get()
	fresh.APIPassword = "rotated"
	s.cfg.Swap(&fresh)

	rec = do(s, http.MethodGet, "/v1/models", "secret", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(s, http.MethodGet, "/v1/models", "rotated", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatCompletionsContextTooLong(t *testing.T) {
	upstreamCalls := 0
	s, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) { upstreamCalls++ })

	// gpt aliases carry a 128k window; a single multi-megabyte message
	// cannot be compressed or truncated into it.
	huge := strings.Repeat("overflow ", 120000)
	rec := do(s, http.MethodPost, "/v1/chat/completions", "secret",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"`+huge+`"}]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, gjson.Get(rec.Body.String(), "error.message").String(), "context window")
	assert.Equal(t, 0, upstreamCalls)
}
