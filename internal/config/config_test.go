package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 7861, cfg.Port)
	assert.True(t, cfg.CompatibilityMode)
	assert.True(t, cfg.ReturnThoughts)
	assert.Equal(t, 3, cfg.AntiTruncationMaxAttempts)
	assert.Equal(t, []int{403}, cfg.AutoBanErrorCodes)

	// No backends file yields the built-in Antigravity endpoints.
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "antigravity", cfg.Backends[0].Name)
	assert.Len(t, cfg.Backends[0].BaseURLs, 2)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "port: 9000\napi-password: from-file\n")
	t.Setenv("PORT", "9100")
	t.Setenv("API_PASSWORD", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "from-env", cfg.APIPassword)
}

func TestLoadRoutingRules(t *testing.T) {
	path := writeFile(t, t.TempDir(), "routing.yaml", `
models:
  Gemini-3-Pro:
    enabled: true
    fallback-on: ["429", "503", "timeout"]
    chain:
      - backend: antigravity
        target-model: gemini-3-pro-high
      - backend: copilot
        target-model: gpt-4o
`)
	rules, err := LoadRoutingRules(path)
	require.NoError(t, err)

	rule, ok := rules["gemini-3-pro"]
	require.True(t, ok, "aliases are lowercased")
	require.Len(t, rule.Chain, 2)
	assert.Equal(t, "copilot", rule.Chain[1].Backend)

	statuses, symbolic := rule.FallbackTriggers()
	assert.True(t, statuses[429])
	assert.True(t, statuses[503])
	assert.True(t, symbolic["timeout"])
	assert.False(t, symbolic["connection_error"])
}

func TestLoadRoutingRulesRejectsEmptyEnabledChain(t *testing.T) {
	path := writeFile(t, t.TempDir(), "routing.yaml", `
models:
  broken:
    enabled: true
    chain: []
`)
	_, err := LoadRoutingRules(path)
	assert.Error(t, err)
}

func TestLoadBackendsInterpolatesAndSorts(t *testing.T) {
	t.Setenv("COPILOT_KEY", "sk-live")
	path := writeFile(t, t.TempDir(), "backends.yaml", `
backends:
  - name: copilot
    kind: openai
    priority: 2
    enabled: true
    base-urls: ["${COPILOT_URL:https://copilot.example.com}"]
    api-keys: ["${COPILOT_KEY}"]
  - name: antigravity
    kind: antigravity
    priority: 0
    enabled: true
    base-urls: ["https://daily-cloudcode-pa.sandbox.googleapis.com"]
`)
	backends, err := LoadBackends(path)
	require.NoError(t, err)
	require.Len(t, backends, 2)

	assert.Equal(t, "antigravity", backends[0].Name, "sorted by priority")
	copilot := backends[1]
	assert.Equal(t, []string{"https://copilot.example.com"}, copilot.BaseURLs, "default applied")
	assert.Equal(t, []string{"sk-live"}, copilot.APIKeys, "env value applied")
}

func TestRuleLookupStripsSuffixes(t *testing.T) {
	cfg := &Config{Routing: map[string]*RoutingRule{
		"claude-sonnet-4-5": {Enabled: true, Chain: []ChainEntry{{Backend: "antigravity"}}},
	}}
	assert.NotNil(t, cfg.Rule("claude-sonnet-4-5"))
	assert.NotNil(t, cfg.Rule("Claude-Sonnet-4-5-Thinking"))
	assert.NotNil(t, cfg.Rule("claude-sonnet-4-5-20250929"))
	assert.Nil(t, cfg.Rule("gemini-3-flash"))
}

func TestBackendTimeoutsAndSupports(t *testing.T) {
	b := &Backend{Models: []string{"gpt-4o"}}
	assert.Equal(t, 120.0, b.Timeout().Seconds())
	assert.Equal(t, 300.0, b.StreamTimeout().Seconds())
	assert.True(t, b.Supports("GPT-4o"))
	assert.False(t, b.Supports("gemini-3-pro-high"))

	open := &Backend{}
	assert.True(t, open.Supports("anything"))
}
