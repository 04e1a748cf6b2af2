// Package config provides configuration management for the Antigravity
// gateway. It loads the YAML configuration file, applies environment
// variable overrides (environment wins over file, file wins over defaults),
// and exposes the effective in-memory configuration as an immutable
// snapshot. Routing rules and backend definitions live in their own YAML
// documents and support ${VAR:default} interpolation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's effective configuration.
type Config struct {
	// Host is the listen address for the API server.
	Host string `yaml:"host"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile routes the main log into a rotating file.
	LoggingToFile bool `yaml:"logging-to-file"`

	// RequestLog enables per-attempt upstream request logging.
	RequestLog bool `yaml:"request-log"`

	// APIPassword authenticates API clients (bearer token).
	APIPassword string `yaml:"api-password"`

	// PanelPassword protects the management surface; may be a bcrypt hash.
	PanelPassword string `yaml:"panel-password"`

	// APIKeys is an optional list of additional client keys.
	APIKeys []string `yaml:"api-keys"`

	// CredentialsDir is where OAuth credential files are discovered.
	CredentialsDir string `yaml:"credentials-dir"`

	// StorePath is the bbolt database holding credentials and runtime state.
	StorePath string `yaml:"store-path"`

	// CodeAssistEndpoint overrides the default Antigravity endpoint list.
	CodeAssistEndpoint string `yaml:"code-assist-endpoint"`

	// AntigravityAPIURL overrides the Antigravity base URL entirely.
	AntigravityAPIURL string `yaml:"antigravity-api-url"`

	// ProxyURL routes upstream traffic through a socks5/http/https proxy.
	ProxyURL string `yaml:"proxy-url"`

	// AutoBan disables a credential after auth-class upstream errors.
	AutoBan bool `yaml:"auto-ban"`

	// AutoBanErrorCodes lists the statuses that trigger an auto-ban.
	AutoBanErrorCodes []int `yaml:"auto-ban-error-codes"`

	// Retry429 configures the dispatcher's rate-limit retry loop.
	Retry429 Retry429 `yaml:"retry-429"`

	// AntiTruncationMaxAttempts bounds empty-response fallback re-issues.
	AntiTruncationMaxAttempts int `yaml:"anti-truncation-max-attempts"`

	// CompatibilityMode collapses system messages into the first user turn.
	CompatibilityMode bool `yaml:"compatibility-mode"`

	// ReturnThoughts emits thinking blocks to clients when true.
	ReturnThoughts bool `yaml:"return-thoughts-to-frontend"`

	// SignatureCachePersist enables the bbolt-backed signature cache layer.
	SignatureCachePersist bool `yaml:"signature-cache-persist"`

	// BackgroundRefresh configures the periodic credential refresh loop.
	BackgroundRefresh BackgroundRefresh `yaml:"background-refresh"`

	// QuotaProtection configures the headroom-preserving sweeper.
	QuotaProtection QuotaProtection `yaml:"quota-protection"`

	// SmartWarmup enables the quota warmup loop.
	SmartWarmup bool `yaml:"smart-warmup"`

	// RoutingFile points at the model-routing YAML document.
	RoutingFile string `yaml:"routing-file"`

	// BackendsFile points at the backend-definitions YAML document.
	BackendsFile string `yaml:"backends-file"`

	// Routing holds the parsed model routing rules.
	Routing map[string]*RoutingRule `yaml:"-"`

	// Backends holds the parsed backend definitions, priority ordered.
	Backends []*Backend `yaml:"-"`
}

// Retry429 controls retry behavior for upstream rate limiting.
type Retry429 struct {
	Enabled    bool    `yaml:"enabled"`
	MaxRetries int     `yaml:"max-retries"`
	Interval   float64 `yaml:"interval"`
}

// BackgroundRefresh controls the periodic token/quota refresh loop.
type BackgroundRefresh struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval-minutes"`
}

// QuotaProtection disables credentials whose watched models drop below the
// remaining-quota threshold, preserving headroom for interactive use.
type QuotaProtection struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold float64  `yaml:"threshold"`
	Models    []string `yaml:"models"`
}

// LoadConfig reads the YAML configuration file, applies defaults and
// environment overrides, and loads the routing and backend documents.
func LoadConfig(configFile string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(configFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file is fine; environment plus defaults still form a valid config.
	} else if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.RoutingFile != "" {
		rules, errRules := LoadRoutingRules(cfg.RoutingFile)
		if errRules != nil {
			return nil, errRules
		}
		cfg.Routing = rules
	}
	if cfg.Routing == nil {
		cfg.Routing = map[string]*RoutingRule{}
	}

	if cfg.BackendsFile != "" {
		backends, errBackends := LoadBackends(cfg.BackendsFile)
		if errBackends != nil {
			return nil, errBackends
		}
		cfg.Backends = backends
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = DefaultBackends(cfg)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Host:                      "0.0.0.0",
		Port:                      7861,
		CredentialsDir:            "./creds",
		StorePath:                 "./agproxy.db",
		AutoBanErrorCodes:         []int{403},
		Retry429:                  Retry429{Enabled: true, MaxRetries: 5, Interval: 0.1},
		AntiTruncationMaxAttempts: 3,
		CompatibilityMode:         true,
		ReturnThoughts:            true,
		BackgroundRefresh:         BackgroundRefresh{IntervalMinutes: 15},
		QuotaProtection:           QuotaProtection{Threshold: 0.2},
	}
}

// applyEnvOverrides applies recognized environment variables on top of the
// file-provided values. Environment always wins.
func (c *Config) applyEnvOverrides() {
	setString := func(key string, target *string) {
		if v, ok := os.LookupEnv(key); ok {
			*target = v
		}
	}
	setBool := func(key string, target *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setInt := func(key string, target *int) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setFloat := func(key string, target *float64) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*target = parsed
			}
		}
	}

	setString("HOST", &c.Host)
	setInt("PORT", &c.Port)
	setString("API_PASSWORD", &c.APIPassword)
	setString("PANEL_PASSWORD", &c.PanelPassword)
	setString("CREDENTIALS_DIR", &c.CredentialsDir)
	setString("CODE_ASSIST_ENDPOINT", &c.CodeAssistEndpoint)
	setString("ANTIGRAVITY_API_URL", &c.AntigravityAPIURL)
	setString("PROXY", &c.ProxyURL)
	setBool("AUTO_BAN", &c.AutoBan)
	if v, ok := os.LookupEnv("AUTO_BAN_ERROR_CODES"); ok {
		if codes := parseIntList(v); len(codes) > 0 {
			c.AutoBanErrorCodes = codes
		}
	}
	setBool("RETRY_429_ENABLED", &c.Retry429.Enabled)
	setInt("RETRY_429_MAX_RETRIES", &c.Retry429.MaxRetries)
	setFloat("RETRY_429_INTERVAL", &c.Retry429.Interval)
	setInt("ANTI_TRUNCATION_MAX_ATTEMPTS", &c.AntiTruncationMaxAttempts)
	setBool("COMPATIBILITY_MODE", &c.CompatibilityMode)
	setBool("RETURN_THOUGHTS_TO_FRONTEND", &c.ReturnThoughts)
	setBool("BACKGROUND_REFRESH_ENABLED", &c.BackgroundRefresh.Enabled)
	setInt("BACKGROUND_REFRESH_INTERVAL_MINUTES", &c.BackgroundRefresh.IntervalMinutes)
	setBool("QUOTA_PROTECTION_ENABLED", &c.QuotaProtection.Enabled)
	setFloat("QUOTA_PROTECTION_THRESHOLD", &c.QuotaProtection.Threshold)
	if v, ok := os.LookupEnv("QUOTA_PROTECTION_MODELS"); ok {
		c.QuotaProtection.Models = splitTrim(v)
	}
	setBool("SMART_WARMUP_ENABLED", &c.SmartWarmup)
}

func parseIntList(raw string) []int {
	var out []int
	for _, field := range splitTrim(raw) {
		if n, err := strconv.Atoi(field); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func splitTrim(raw string) []string {
	var out []string
	for _, field := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
