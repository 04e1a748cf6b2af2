// Package executor owns the HTTP conversations with upstream backends:
// the Antigravity v1internal surface and the OpenAI-compatible siblings.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/agproxy/agproxy/internal/registry"
)

const (
	// userAgent mirrors the Antigravity editor build the upstream expects.
	userAgentVersion = "1.16.5"

	apiClientHeader = "google-cloud-sdk vscode_cloudshelleditor/0.1"

	// defaultProjectID backs credentials whose project discovery failed.
	defaultProjectID = "rising-fact-p41fc"

	ideTypeAntigravity = 6
	pluginTypeGemini   = 2
)

// Antigravity executes requests against the Cloud Code v1internal surface.
type Antigravity struct {
	Client *http.Client
}

// UserAgent renders the platform-specific User-Agent header value.
func UserAgent() string {
	return fmt.Sprintf("antigravity/%s %s/%s", userAgentVersion, runtime.GOOS, runtime.GOARCH)
}

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return 3
	case "windows":
		return 1
	case "linux":
		return 2
	default:
		return 0
	}
}

func clientMetadata() string {
	blob, _ := json.Marshal(map[string]int{
		"ideType":    ideTypeAntigravity,
		"platform":   platformEnum(),
		"pluginType": pluginTypeGemini,
	})
	return string(blob)
}

// Attempt identifies one upstream call for logging and state recording.
type Attempt struct {
	BaseURL     string
	Model       string
	Credential  string
	AccessToken string
	ProjectID   string
	SessionID   string
}

// Generate sends the envelope to :streamGenerateContent?alt=sse. Every
// request goes up as a stream regardless of what the client asked for;
// streaming quotas are materially looser.
func (e *Antigravity) Generate(ctx context.Context, a Attempt, envelope []byte) (*http.Response, error) {
	project := a.ProjectID
	if project == "" {
		project = defaultProjectID
	}
	body, _ := sjson.SetBytes(envelope, "project", project)
	if a.SessionID != "" {
		body, _ = sjson.SetBytes(body, "request.session_id", a.SessionID)
	}

	url := a.BaseURL + "/v1internal:streamGenerateContent?alt=sse"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.AccessToken)
	req.Header.Set("User-Agent", UserAgent())
	req.Header.Set("X-Goog-Api-Client", apiClientHeader)
	req.Header.Set("Client-Metadata", clientMetadata())
	req.Header.Set("requestId", "req-"+uuid.NewString())
	req.Header.Set("requestType", registry.RequestType(a.Model))
	return e.client().Do(req)
}

// FetchAvailableModels lists the models the credential can reach; used by
// the background loops to read per-model quota fractions.
func (e *Antigravity) FetchAvailableModels(ctx context.Context, baseURL, accessToken, projectID string) ([]byte, error) {
	if projectID == "" {
		projectID = defaultProjectID
	}
	body, _ := sjson.SetBytes([]byte(`{}`), "project", projectID)

	url := baseURL + "/v1internal:fetchAvailableModels"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", UserAgent())
	req.Header.Set("X-Goog-Api-Client", apiClientHeader)
	req.Header.Set("Client-Metadata", clientMetadata())

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return payload, fmt.Errorf("fetchAvailableModels: status %d", resp.StatusCode)
	}
	return payload, nil
}

func (e *Antigravity) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}
