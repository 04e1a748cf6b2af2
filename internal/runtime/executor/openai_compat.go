package executor

import (
	"bytes"
	"context"
	"net/http"
	"strings"
)

// OpenAICompat executes requests against OpenAI-compatible backends
// (copilot, kiro, anyrouter). Requests arrive already rendered as Chat
// Completions bodies.
type OpenAICompat struct {
	Client *http.Client
}

// ChatCompletions posts the body to {base}/chat/completions, appending
// /v1 when the base URL does not already carry a path.
func (e *OpenAICompat) ChatCompletions(ctx context.Context, baseURL, apiKey string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatCompletionsURL(baseURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if e.Client != nil {
		return e.Client.Do(req)
	}
	return http.DefaultClient.Do(req)
}

func chatCompletionsURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(base, "/v1") || strings.Contains(base, "/v1/") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}
