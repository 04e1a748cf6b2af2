// Package registry centralizes model name handling: the set of models the
// Antigravity upstream actually serves, the alias table mapping
// client-facing names onto them, suffix conventions for thinking variants
// and image generation, and the model cards served by the list endpoints.
package registry

import (
	"regexp"
	"strings"
)

// Upstream-supported model names.
const (
	ModelClaudeSonnet         = "claude-sonnet-4-5"
	ModelClaudeSonnetThinking = "claude-sonnet-4-5-thinking"
	ModelClaudeOpus           = "claude-opus-4-5"
	ModelClaudeOpusThinking   = "claude-opus-4-5-thinking"
	ModelGeminiProHigh        = "gemini-3-pro-high"
	ModelGeminiProLow         = "gemini-3-pro-low"
	ModelGeminiFlash          = "gemini-3-flash"
	ModelGeminiImage          = "gemini-3-pro-image"
	ModelGPTOSS               = "gpt-oss-120b-medium"
)

var upstreamModels = map[string]bool{
	ModelClaudeSonnet:         true,
	ModelClaudeSonnetThinking: true,
	ModelClaudeOpus:           true,
	ModelClaudeOpusThinking:   true,
	ModelGeminiProHigh:        true,
	ModelGeminiProLow:         true,
	ModelGeminiFlash:          true,
	ModelGeminiImage:          true,
	ModelGPTOSS:               true,
}

// aliasTable maps normalized client aliases to upstream names. Lookup
// happens after suffix stripping, so dated and "-thinking" variants of
// these keys resolve too.
var aliasTable = map[string]string{
	"claude-3-5-sonnet":          ModelClaudeSonnet,
	"claude-3-7-sonnet":          ModelClaudeSonnet,
	"claude-4-sonnet":            ModelClaudeSonnet,
	"claude-4.5-sonnet":          ModelClaudeSonnet,
	"claude-sonnet-4":            ModelClaudeSonnet,
	"claude-sonnet-4.5":          ModelClaudeSonnet,
	"claude-4-opus":              ModelClaudeOpus,
	"claude-4.5-opus":            ModelClaudeOpus,
	"claude-opus-4":              ModelClaudeOpus,
	"claude-opus-4.5":            ModelClaudeOpus,
	"claude-4.5-sonnet-high":     ModelClaudeSonnetThinking,
	"claude-4.5-opus-high":       ModelClaudeOpusThinking,
	"gemini-3-pro":               ModelGeminiProHigh,
	"gemini-3-pro-preview":       ModelGeminiProHigh,
	"gemini-2.5-pro":             ModelGeminiProHigh,
	"gemini-2.5-flash":           ModelGeminiFlash,
	"gemini-3-flash":             ModelGeminiFlash,
	"gemini-3-pro-image-preview": ModelGeminiImage,
	"gpt-4o":                     ModelGPTOSS,
	"gpt-4.1":                    ModelGPTOSS,
	"gpt-5":                      ModelGPTOSS,
	"gpt-oss-120b":               ModelGPTOSS,
}

var (
	dateSuffixRe    = regexp.MustCompile(`-\d{8}$`)
	versionDateRe   = regexp.MustCompile(`-(latest|exp|preview-\d{2}-\d{2})$`)
	aspectSuffixRe  = regexp.MustCompile(`-(\d+x\d+)$`)
	resolutionRe    = regexp.MustCompile(`-([24]k)$`)
	thinkingSuffix  = "-thinking"
	maxThinkSuffix  = "-maxthinking"
	noThinkSuffix   = "-nothinking"
	highEffortTag   = "-high"
	lowEffortTag    = "-low"
	mediumEffortTag = "-medium"
)

// Resolution is the outcome of resolving a client alias.
type Resolution struct {
	// Model is the upstream model name to request.
	Model string

	// Thinking is true when the alias requested a thinking variant.
	Thinking bool

	// ThinkingBudget is a suffix-derived budget, 0 when unset, -1 for
	// model-decided ("max") budgets.
	ThinkingBudget int

	// AspectRatio / Resolution decode image-generation suffixes.
	AspectRatio string
	Resolution  string

	// ImageGen is true for image-generation model variants.
	ImageGen bool
}

// Resolve maps a client-facing alias onto an upstream model. Unknown names
// fall back to a family default rather than failing: the gateway would
// rather serve a close model than bounce the request.
func Resolve(alias string) Resolution {
	var res Resolution
	name := strings.ToLower(strings.TrimSpace(alias))
	name = strings.TrimPrefix(name, "models/")

	// Image-generation decorations first.
	if m := aspectSuffixRe.FindStringSubmatch(name); m != nil {
		res.AspectRatio = strings.Replace(m[1], "x", ":", 1)
		name = strings.TrimSuffix(name, "-"+m[1])
	}
	if m := resolutionRe.FindStringSubmatch(name); m != nil {
		res.Resolution = strings.ToUpper(m[1])
		name = strings.TrimSuffix(name, "-"+m[1])
	}

	// Thinking decorations.
	noThink := false
	switch {
	case strings.HasSuffix(name, maxThinkSuffix):
		res.Thinking = true
		res.ThinkingBudget = -1
		name = strings.TrimSuffix(name, maxThinkSuffix)
	case strings.HasSuffix(name, noThinkSuffix):
		noThink = true
		name = strings.TrimSuffix(name, noThinkSuffix)
	case strings.HasSuffix(name, thinkingSuffix):
		res.Thinking = true
		name = strings.TrimSuffix(name, thinkingSuffix)
	}

	name = dateSuffixRe.ReplaceAllString(name, "")
	name = versionDateRe.ReplaceAllString(name, "")

	res.Model = resolveBase(name, res.Thinking)
	// Thinking-native models reason unless the client opted out.
	if !noThink && !res.Thinking && SupportsThinking(res.Model) {
		res.Thinking = true
	}
	res.ImageGen = res.Model == ModelGeminiImage
	if res.AspectRatio != "" || res.Resolution != "" {
		res.Model = ModelGeminiImage
		res.ImageGen = true
	}
	return res
}

func resolveBase(name string, thinking bool) string {
	if upstreamModels[name] {
		return applyThinking(name, thinking)
	}
	if mapped, ok := aliasTable[name]; ok {
		return applyThinking(mapped, thinking)
	}
	// Effort-tag variants of known aliases (claude-4.5-sonnet-high-thinking).
	for _, tag := range []string{highEffortTag, mediumEffortTag, lowEffortTag} {
		if stripped := strings.TrimSuffix(name, tag); stripped != name {
			if upstreamModels[stripped] {
				return applyThinking(stripped, thinking)
			}
			if mapped, ok := aliasTable[stripped]; ok {
				if tag == lowEffortTag && mapped == ModelGeminiProHigh {
					return ModelGeminiProLow
				}
				return applyThinking(mapped, thinking)
			}
		}
	}
	// Family defaults for anything unrecognized.
	switch {
	case strings.HasPrefix(name, "claude-") && strings.Contains(name, "opus"):
		return applyThinking(ModelClaudeOpus, thinking)
	case strings.HasPrefix(name, "claude-"):
		return applyThinking(ModelClaudeSonnet, thinking)
	case strings.HasPrefix(name, "gemini-") && strings.Contains(name, "flash"):
		return ModelGeminiFlash
	case strings.HasPrefix(name, "gemini-"):
		return ModelGeminiProHigh
	case strings.HasPrefix(name, "gpt-") || strings.HasPrefix(name, "o1") || strings.HasPrefix(name, "o3"):
		return ModelGPTOSS
	default:
		return ModelGeminiProHigh
	}
}

func applyThinking(model string, thinking bool) string {
	if !thinking {
		return model
	}
	switch model {
	case ModelClaudeSonnet:
		return ModelClaudeSonnetThinking
	case ModelClaudeOpus:
		return ModelClaudeOpusThinking
	default:
		return model
	}
}

// SupportsThinking reports whether the upstream model emits thought parts.
func SupportsThinking(model string) bool {
	return strings.HasSuffix(model, "-thinking") ||
		strings.HasPrefix(model, "gemini-3-pro") ||
		model == ModelGeminiFlash
}

// ThinkingBudgetFor returns the model-family budget for a suffix-derived
// thinking configuration; max (-1) means let the model decide.
func ThinkingBudgetFor(model string, budget int) int {
	if budget != 0 {
		return budget
	}
	switch {
	case strings.HasPrefix(model, "gemini-3-pro"):
		return 32768
	case model == ModelGeminiFlash:
		return 24576
	case strings.HasSuffix(model, "-thinking"):
		return 16384
	default:
		return 0
	}
}

// RequestType derives the Antigravity requestType header value.
func RequestType(model string) string {
	if model == ModelGeminiImage {
		return "image_gen"
	}
	return "agent"
}

// ContextWindow returns the model's context budget in tokens, used by the
// smart-truncation pass.
func ContextWindow(model string) int {
	switch {
	case strings.HasPrefix(model, "gemini-"):
		return 1048576
	case strings.HasPrefix(model, "claude-"):
		return 200000
	default:
		return 128000
	}
}

// ModelInfo is a model card served by the list endpoints.
type ModelInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	DisplayName string `json:"display_name,omitempty"`
}

// ModelCards returns the upstream-supported models plus well-known aliases.
func ModelCards() []*ModelInfo {
	cards := []*ModelInfo{
		{ID: ModelClaudeSonnet, Object: "model", Created: 1758000000, OwnedBy: "anthropic", DisplayName: "Claude Sonnet 4.5"},
		{ID: ModelClaudeSonnetThinking, Object: "model", Created: 1758000000, OwnedBy: "anthropic", DisplayName: "Claude Sonnet 4.5 (Thinking)"},
		{ID: ModelClaudeOpus, Object: "model", Created: 1764000000, OwnedBy: "anthropic", DisplayName: "Claude Opus 4.5"},
		{ID: ModelClaudeOpusThinking, Object: "model", Created: 1764000000, OwnedBy: "anthropic", DisplayName: "Claude Opus 4.5 (Thinking)"},
		{ID: ModelGeminiProHigh, Object: "model", Created: 1763000000, OwnedBy: "google", DisplayName: "Gemini 3 Pro (High)"},
		{ID: ModelGeminiProLow, Object: "model", Created: 1763000000, OwnedBy: "google", DisplayName: "Gemini 3 Pro (Low)"},
		{ID: ModelGeminiFlash, Object: "model", Created: 1763000000, OwnedBy: "google", DisplayName: "Gemini 3 Flash"},
		{ID: ModelGeminiImage, Object: "model", Created: 1763000000, OwnedBy: "google", DisplayName: "Gemini 3 Pro Image"},
		{ID: ModelGPTOSS, Object: "model", Created: 1754000000, OwnedBy: "openai", DisplayName: "GPT-OSS 120B (Medium)"},
	}
	return cards
}
