package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainEntry is one step of a model's fallback chain.
type ChainEntry struct {
	// Backend names a backend definition.
	Backend string `yaml:"backend"`

	// TargetModel is the upstream model name used on that backend.
	TargetModel string `yaml:"target-model"`
}

// RoutingRule maps a client-facing model alias onto an ordered fallback
// chain. Chain entries are tried in order; a backend may appear more than
// once with different target models.
type RoutingRule struct {
	Chain      []ChainEntry `yaml:"chain"`
	FallbackOn []string     `yaml:"fallback-on"`
	Enabled    bool         `yaml:"enabled"`
}

// FallbackTriggers returns the numeric statuses and symbolic conditions
// that advance the chain.
func (r *RoutingRule) FallbackTriggers() (statuses map[int]bool, symbolic map[string]bool) {
	statuses = make(map[int]bool)
	symbolic = make(map[string]bool)
	for _, raw := range r.FallbackOn {
		trimmed := strings.ToLower(strings.TrimSpace(raw))
		if n, err := strconv.Atoi(trimmed); err == nil {
			statuses[n] = true
			continue
		}
		symbolic[trimmed] = true
	}
	return statuses, symbolic
}

// Backend describes one upstream service.
type Backend struct {
	Name     string   `yaml:"name"`
	BaseURLs []string `yaml:"base-urls"`
	Kind     string   `yaml:"kind"`
	Priority int      `yaml:"priority"`
	Models   []string `yaml:"models"`
	Enabled  bool     `yaml:"enabled"`

	// APIKeys authenticate OpenAI-compatible backends (copilot, kiro,
	// anyrouter). The Antigravity backend uses the credential pool instead.
	APIKeys []string `yaml:"api-keys"`

	TimeoutSeconds       int `yaml:"timeout"`
	StreamTimeoutSeconds int `yaml:"stream-timeout"`
	MaxRetries           int `yaml:"max-retries"`
}

// Timeout returns the non-stream request deadline.
func (b *Backend) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// StreamTimeout returns the overall streaming deadline.
func (b *Backend) StreamTimeout() time.Duration {
	if b.StreamTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(b.StreamTimeoutSeconds) * time.Second
}

// Supports reports whether the backend serves the given model alias.
// An empty model list means "all models".
func (b *Backend) Supports(model string) bool {
	if len(b.Models) == 0 {
		return true
	}
	for _, m := range b.Models {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

type routingDocument struct {
	Models map[string]*RoutingRule `yaml:"models"`
}

type backendsDocument struct {
	Backends []*Backend `yaml:"backends"`
}

// LoadRoutingRules parses the model-routing YAML. Aliases are lowercased;
// a rule with an empty chain while enabled is rejected.
func LoadRoutingRules(path string) (map[string]*RoutingRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing file: %w", err)
	}
	var doc routingDocument
	if err = yaml.Unmarshal(interpolateEnv(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse routing file: %w", err)
	}
	rules := make(map[string]*RoutingRule, len(doc.Models))
	for alias, rule := range doc.Models {
		if rule == nil {
			continue
		}
		if rule.Enabled && len(rule.Chain) == 0 {
			return nil, fmt.Errorf("routing rule %q is enabled but has an empty chain", alias)
		}
		rules[strings.ToLower(alias)] = rule
	}
	return rules, nil
}

// LoadBackends parses the backend-definitions YAML and returns backends
// sorted by priority (lower is preferred).
func LoadBackends(path string) ([]*Backend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backends file: %w", err)
	}
	var doc backendsDocument
	if err = yaml.Unmarshal(interpolateEnv(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse backends file: %w", err)
	}
	sort.SliceStable(doc.Backends, func(i, j int) bool {
		return doc.Backends[i].Priority < doc.Backends[j].Priority
	})
	return doc.Backends, nil
}

// Backend returns the named backend definition, or nil.
func (c *Config) Backend(name string) *Backend {
	for _, b := range c.Backends {
		if strings.EqualFold(b.Name, name) {
			return b
		}
	}
	return nil
}

// Rule resolves the routing rule for a model alias. Lookup tries the exact
// lowercased alias, then the alias with a trailing "-thinking" suffix
// stripped, then with a trailing date suffix ("-20241022" style) stripped.
func (c *Config) Rule(alias string) *RoutingRule {
	key := strings.ToLower(alias)
	if rule, ok := c.Routing[key]; ok && rule.Enabled {
		return rule
	}
	if stripped := strings.TrimSuffix(key, "-thinking"); stripped != key {
		if rule, ok := c.Routing[stripped]; ok && rule.Enabled {
			return rule
		}
	}
	if stripped := dateSuffixRe.ReplaceAllString(key, ""); stripped != key {
		if rule, ok := c.Routing[stripped]; ok && rule.Enabled {
			return rule
		}
	}
	return nil
}

var dateSuffixRe = regexp.MustCompile(`-\d{8}$`)

// DefaultBackends builds the built-in backend set when no backends file is
// given: the Antigravity sandbox/daily endpoints only.
func DefaultBackends(cfg *Config) []*Backend {
	urls := []string{
		"https://daily-cloudcode-pa.sandbox.googleapis.com",
		"https://cloudcode-pa.googleapis.com",
	}
	if cfg.AntigravityAPIURL != "" {
		urls = []string{cfg.AntigravityAPIURL}
	} else if cfg.CodeAssistEndpoint != "" {
		urls = append([]string{cfg.CodeAssistEndpoint}, urls...)
	}
	return []*Backend{
		{
			Name:     "antigravity",
			Kind:     "antigravity",
			BaseURLs: urls,
			Priority: 0,
			Enabled:  true,
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// interpolateEnv expands ${VAR} and ${VAR:default} references inside YAML
// documents before parsing.
func interpolateEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		return groups[2]
	})
}
