package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveExactUpstreamName(t *testing.T) {
	res := Resolve("claude-sonnet-4-5")
	assert.Equal(t, ModelClaudeSonnet, res.Model)
	assert.False(t, res.Thinking)
}

func TestResolveDatedAlias(t *testing.T) {
	res := Resolve("claude-3-5-sonnet-20241022")
	assert.Equal(t, ModelClaudeSonnet, res.Model)
}

func TestResolveUpstreamThinkingName(t *testing.T) {
	// The upstream names carry the suffix themselves; resolving one must
	// not strip it away.
	res := Resolve(ModelClaudeSonnetThinking)
	assert.Equal(t, ModelClaudeSonnetThinking, res.Model)
	assert.True(t, res.Thinking)

	res = Resolve(ModelClaudeOpusThinking)
	assert.Equal(t, ModelClaudeOpusThinking, res.Model)
	assert.True(t, res.Thinking)
}

func TestResolveThinkingSuffix(t *testing.T) {
	res := Resolve("claude-sonnet-4.5-thinking")
	assert.Equal(t, ModelClaudeSonnetThinking, res.Model)
	assert.True(t, res.Thinking)
}

func TestResolveEffortAndThinking(t *testing.T) {
	res := Resolve("claude-4.5-sonnet-high-thinking")
	assert.Equal(t, ModelClaudeSonnetThinking, res.Model)
	assert.True(t, res.Thinking)
}

func TestResolveGeminiEffort(t *testing.T) {
	assert.Equal(t, ModelGeminiProHigh, Resolve("gemini-3-pro").Model)
	assert.Equal(t, ModelGeminiProLow, Resolve("gemini-3-pro-low").Model)
	assert.Equal(t, ModelGeminiFlash, Resolve("gemini-3-flash").Model)
}

func TestResolveMaxNoThinking(t *testing.T) {
	res := Resolve("gemini-3-pro-maxthinking")
	assert.True(t, res.Thinking)
	assert.Equal(t, -1, res.ThinkingBudget)

	res = Resolve("gemini-3-flash-nothinking")
	assert.False(t, res.Thinking)
}

func TestResolveImageSuffixes(t *testing.T) {
	res := Resolve("gemini-3-pro-image-16x9")
	assert.Equal(t, ModelGeminiImage, res.Model)
	assert.Equal(t, "16:9", res.AspectRatio)
	assert.True(t, res.ImageGen)

	res = Resolve("gemini-3-pro-image-4k")
	assert.Equal(t, "4K", res.Resolution)
}

func TestResolveFamilyDefaults(t *testing.T) {
	assert.Equal(t, ModelClaudeSonnet, Resolve("claude-9-sonnet").Model)
	assert.Equal(t, ModelClaudeOpus, Resolve("claude-9-opus").Model)
	assert.Equal(t, ModelGeminiProHigh, Resolve("gemini-9-pro").Model)
	assert.Equal(t, ModelGPTOSS, Resolve("gpt-4o").Model)
	assert.Equal(t, ModelGeminiProHigh, Resolve("totally-unknown").Model)
}

func TestResolveModelsPrefix(t *testing.T) {
	assert.Equal(t, ModelGeminiFlash, Resolve("models/gemini-3-flash").Model)
}

func TestRequestType(t *testing.T) {
	assert.Equal(t, "image_gen", RequestType(ModelGeminiImage))
	assert.Equal(t, "agent", RequestType(ModelGeminiProHigh))
}

func TestThinkingBudgetFor(t *testing.T) {
	assert.Equal(t, 32768, ThinkingBudgetFor(ModelGeminiProHigh, 0))
	assert.Equal(t, 24576, ThinkingBudgetFor(ModelGeminiFlash, 0))
	assert.Equal(t, 16384, ThinkingBudgetFor(ModelClaudeOpusThinking, 0))
	assert.Equal(t, -1, ThinkingBudgetFor(ModelGeminiProHigh, -1))
}
