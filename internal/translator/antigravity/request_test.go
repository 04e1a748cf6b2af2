package antigravity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agproxy/agproxy/internal/cache"
	"github.com/agproxy/agproxy/internal/registry"
)

func TestConvertOpenAIRequestBasics(t *testing.T) {
	res := registry.Resolve("gemini-3-flash")
	body := []byte(`{
		"model": "gemini-3-flash",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "hello"}
		],
		"temperature": 0.5,
		"max_tokens": 100,
		"stop": ["END"]
	}`)

	out := gjson.ParseBytes(ConvertOpenAIRequest(res, body, Options{}))
	assert.Equal(t, "gemini-3-flash", out.Get("model").String())

	system := out.Get("request.systemInstruction.parts.0.text").String()
	assert.Contains(t, system, Prologue)
	assert.Contains(t, system, "Be terse.")

	contents := out.Get("request.contents")
	require.Equal(t, int64(1), int64(len(contents.Array())))
	assert.Equal(t, "user", contents.Get("0.role").String())
	assert.Equal(t, "hello", contents.Get("0.parts.0.text").String())

	gen := out.Get("request.generationConfig")
	assert.Equal(t, 0.5, gen.Get("temperature").Float())
	assert.Equal(t, int64(100), gen.Get("maxOutputTokens").Int())
	assert.Equal(t, "END", gen.Get("stopSequences.0").String())
}

func TestConvertOpenAIRequestCompatibilityMode(t *testing.T) {
	res := registry.Resolve("gemini-3-flash")
	body := []byte(`{"messages":[
		{"role":"system","content":"sys prompt"},
		{"role":"user","content":"hi"}
	]}`)

	out := gjson.ParseBytes(ConvertOpenAIRequest(res, body, Options{CompatibilityMode: true}))

	// Prologue stays in systemInstruction, the client system text moves to
	// the head of the first user turn.
	assert.Equal(t, Prologue, out.Get("request.systemInstruction.parts.0.text").String())
	assert.Equal(t, "sys prompt", out.Get("request.contents.0.parts.0.text").String())
	assert.Equal(t, "hi", out.Get("request.contents.0.parts.1.text").String())
}

func TestConvertOpenAIRequestThinkTags(t *testing.T) {
	sigs := cache.NewSignatureCache(nil)
	longSig := "sigsigsigsigsigsigsigsigsigsigsigsigsigsigsigsigsigsig1"
	sigs.Put("the plan", longSig, "claude-sonnet-4-5-thinking")

	res := registry.Resolve("claude-sonnet-4-5-thinking")
	body := []byte(`{"messages":[
		{"role":"user","content":"go"},
		{"role":"assistant","content":"<think>the plan</think>the answer"}
	]}`)

	out := gjson.ParseBytes(ConvertOpenAIRequest(res, body, Options{Sigs: sigs}))
	parts := out.Get("request.contents.1.parts")
	require.Equal(t, 2, len(parts.Array()))
	assert.True(t, parts.Get("0.thought").Bool())
	assert.Equal(t, "the plan", parts.Get("0.text").String())
	assert.Equal(t, longSig, parts.Get("0.thoughtSignature").String())
	assert.Equal(t, "the answer", parts.Get("1.text").String())
}

func TestConvertOpenAIRequestToolRoundTrip(t *testing.T) {
	res := registry.Resolve("gemini-3-pro")
	body := []byte(`{"messages":[
		{"role":"user","content":"read it"},
		{"role":"assistant","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"a.txt\"}"}}
		]},
		{"role":"tool","tool_call_id":"call_1","content":"file body"}
	]}`)

	out := gjson.ParseBytes(ConvertOpenAIRequest(res, body, Options{}))
	contents := out.Get("request.contents")
	require.Equal(t, 3, len(contents.Array()))

	call := contents.Get("1.parts.0.functionCall")
	assert.Equal(t, "call_1", call.Get("id").String())
	assert.Equal(t, "read_file", call.Get("name").String())
	assert.Equal(t, "a.txt", call.Get("args.path").String())
	// No signature anywhere: the sentinel keeps upstream validation quiet.
	assert.Equal(t, SignatureSentinel, contents.Get("1.parts.0.thoughtSignature").String())

	response := contents.Get("2.parts.0.functionResponse")
	assert.Equal(t, "call_1", response.Get("id").String())
	assert.Equal(t, "read_file", response.Get("name").String())
	assert.Equal(t, "file body", response.Get("response.output").String())
}

func TestConvertOpenAIRequestOrphanToolResultDropped(t *testing.T) {
	res := registry.Resolve("gemini-3-pro")
	body := []byte(`{"messages":[
		{"role":"user","content":"hi"},
		{"role":"tool","tool_call_id":"never_called","content":"stale"}
	]}`)

	out := gjson.ParseBytes(ConvertOpenAIRequest(res, body, Options{}))
	assert.Equal(t, 1, len(out.Get("request.contents").Array()))
	assert.False(t, gjson.Get(out.Raw, `request.contents.#(parts.0.functionResponse)`).Exists())
}

func TestConvertOpenAIRequestOrphanToolCallNeutralized(t *testing.T) {
	res := registry.Resolve("gemini-3-pro")
	body := []byte(`{"messages":[
		{"role":"user","content":"hi"},
		{"role":"assistant","tool_calls":[
			{"id":"dangling","type":"function","function":{"name":"f","arguments":"{}"}}
		]},
		{"role":"user","content":"nevermind"}
	]}`)

	out := gjson.ParseBytes(ConvertOpenAIRequest(res, body, Options{}))
	part := out.Get("request.contents.1.parts.0")
	assert.False(t, part.Get("functionCall").Exists())
	assert.Equal(t, "...", part.Get("text").String())
}

func TestConvertOpenAIRequestDataURLImage(t *testing.T) {
	res := registry.Resolve("gemini-3-flash")
	body := []byte(`{"messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGk="}}
	]}]}`)

	out := gjson.ParseBytes(ConvertOpenAIRequest(res, body, Options{}))
	parts := out.Get("request.contents.0.parts")
	assert.Equal(t, "what is this", parts.Get("0.text").String())
	assert.Equal(t, "image/png", parts.Get("1.inlineData.mimeType").String())
	assert.Equal(t, "aGk=", parts.Get("1.inlineData.data").String())
}

func TestConvertOpenAIRequestThinkingConfig(t *testing.T) {
	res := registry.Resolve("gemini-3-pro-high")
	body := []byte(`{"messages":[{"role":"user","content":"hi"}],"max_tokens":50000}`)

	out := gjson.ParseBytes(ConvertOpenAIRequest(res, body, Options{}))
	cfg := out.Get("request.generationConfig.thinkingConfig")
	assert.True(t, cfg.Get("includeThoughts").Bool())
	assert.Equal(t, int64(32768), cfg.Get("thinkingBudget").Int())
}

func TestConvertClaudeRequestThinkingBlocks(t *testing.T) {
	res := registry.Resolve("claude-sonnet-4-5-thinking")
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 8192,
		"thinking": {"type": "enabled", "budget_tokens": 16000},
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "pondering", "signature": "abc"},
				{"type": "text", "text": "done"}
			]}
		]
	}`)

	out := gjson.ParseBytes(ConvertClaudeRequest(res, body, Options{}))
	parts := out.Get("request.contents.1.parts")
	assert.True(t, parts.Get("0.thought").Bool())
	assert.Equal(t, "pondering", parts.Get("0.text").String())
	assert.Equal(t, "abc", parts.Get("0.thoughtSignature").String())

	// budget_tokens >= max_tokens gets clamped just under the output cap.
	assert.Equal(t, int64(8191), out.Get("request.generationConfig.thinkingConfig.thinkingBudget").Int())
}

func TestConvertClaudeRequestDisabledThinkingStripsHistory(t *testing.T) {
	res := registry.Resolve("claude-sonnet-4-5")
	body := []byte(`{
		"max_tokens": 1024,
		"thinking": {"type": "disabled"},
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "old reasoning", "signature": "abc"},
				{"type": "text", "text": "done"}
			]}
		]
	}`)

	out := gjson.ParseBytes(ConvertClaudeRequest(res, body, Options{}))
	assert.False(t, out.Get("request.generationConfig.thinkingConfig").Exists())

	parts := out.Get("request.contents.1.parts")
	require.Equal(t, 1, len(parts.Array()))
	assert.Equal(t, "done", parts.Get("0.text").String())
	assert.NotContains(t, out.Raw, "old reasoning")
}

func TestConvertClaudeRequestThinkingNeedsLeadingThoughtTurn(t *testing.T) {
	res := registry.Resolve("claude-sonnet-4-5-thinking")
	body := []byte(`{
		"max_tokens": 8192,
		"thinking": {"type": "enabled", "budget_tokens": 4096},
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "plain answer"},
				{"type": "thinking", "thinking": "afterthought", "signature": "abc"}
			]},
			{"role": "user", "content": "again"}
		]
	}`)

	// The last assistant turn opens with text, so the config is withheld
	// and the stale thought part goes with it.
	out := gjson.ParseBytes(ConvertClaudeRequest(res, body, Options{}))
	assert.False(t, out.Get("request.generationConfig.thinkingConfig").Exists())
	parts := out.Get("request.contents.1.parts")
	require.Equal(t, 1, len(parts.Array()))
	assert.Equal(t, "plain answer", parts.Get("0.text").String())
}

func TestConvertClaudeRequestThinkingBudgetClampedToZero(t *testing.T) {
	res := registry.Resolve("claude-sonnet-4-5-thinking")
	body := []byte(`{
		"max_tokens": 1,
		"thinking": {"type": "enabled", "budget_tokens": 4096},
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	out := gjson.ParseBytes(ConvertClaudeRequest(res, body, Options{}))
	assert.False(t, out.Get("request.generationConfig.thinkingConfig").Exists())
}

func TestConvertClaudeRequestToolUse(t *testing.T) {
	res := registry.Resolve("claude-sonnet-4-5")
	sig := "toolsigtoolsigtoolsigtoolsigtoolsigtoolsigtoolsigtoolsig"
	body := []byte(`{
		"max_tokens": 1024,
		"messages": [
			{"role": "user", "content": "ls"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1__sig__` + sig + `", "name": "bash", "input": {"cmd": "ls"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1__sig__` + sig + `", "content": "a b c"}
			]}
		],
		"tools": [{"name": "bash", "description": "run", "input_schema": {"type": "object", "properties": {"cmd": {"type": "string"}}}}]
	}`)

	out := gjson.ParseBytes(ConvertClaudeRequest(res, body, Options{}))

	call := out.Get("request.contents.1.parts.0")
	assert.Equal(t, "toolu_1", call.Get("functionCall.id").String())
	assert.Equal(t, sig, call.Get("thoughtSignature").String())

	response := out.Get("request.contents.2.parts.0.functionResponse")
	assert.Equal(t, "toolu_1", response.Get("id").String())
	assert.Equal(t, "a b c", response.Get("response.output").String())

	decl := out.Get("request.tools.0.functionDeclarations.0")
	assert.Equal(t, "bash", decl.Get("name").String())
	assert.Equal(t, "string", decl.Get("parameters.properties.cmd.type").String())
}

func TestConvertGeminiRequestPassthrough(t *testing.T) {
	res := registry.Resolve("gemini-3-flash")
	body := []byte(`{
		"system_instruction": {"parts": [{"text": "be brief"}]},
		"contents": [{"role": "user", "parts": [{"text": "hi"}]}],
		"generationConfig": {"temperature": 0.1}
	}`)

	out := gjson.ParseBytes(ConvertGeminiRequest(res, body, Options{}))
	assert.Contains(t, out.Get("request.systemInstruction.parts.0.text").String(), "be brief")
	assert.Equal(t, "hi", out.Get("request.contents.0.parts.0.text").String())
	assert.Equal(t, 0.1, out.Get("request.generationConfig.temperature").Float())
}

func TestCleanToolSchema(t *testing.T) {
	raw := []byte(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"name": {"type": ["string", "null"], "minLength": 1},
			"mode": {"enum": ["a", "b"]},
			"items": {"type": "array", "items": {"oneOf": [{"type": "string"}]}}
		}
	}`)

	out := gjson.ParseBytes(CleanToolSchema(raw))
	assert.False(t, out.Get("$schema").Exists())
	assert.False(t, out.Get("additionalProperties").Exists())

	name := out.Get("properties.name")
	assert.Equal(t, "string", name.Get("type").String())
	assert.True(t, name.Get("nullable").Bool())
	assert.Contains(t, name.Get("description").String(), "minLength: 1")

	// enum with no type defaults to string.
	assert.Equal(t, "string", out.Get("properties.mode.type").String())

	// nested schema with every keyword stripped falls back to object.
	inner := out.Get("properties.items.items")
	assert.Equal(t, "object", inner.Get("type").String())
	assert.True(t, inner.Get("properties").Exists())
}

func TestCleanToolSchemaIdempotent(t *testing.T) {
	raw := []byte(`{"type":"object","properties":{"x":{"type":["integer","null"],"minimum":0}}}`)
	once := CleanToolSchema(raw)
	twice := CleanToolSchema(once)
	assert.JSONEq(t, string(once), string(twice))
}

func TestSanitizeContentsAllowList(t *testing.T) {
	body := []byte(`{"request":{"contents":[
		{"role":"user","parts":[
			{"text":"hello  \n","metadata":{"x":1}},
			{"text":"   "},
			{"unknownKind":{"a":1}}
		]},
		{"role":"model","parts":[{"video":{}}]}
	]}}`)

	out := gjson.ParseBytes(SanitizeContents(body))
	contents := out.Get("request.contents")
	require.Equal(t, 1, len(contents.Array()))
	parts := contents.Get("0.parts")
	require.Equal(t, 1, len(parts.Array()))
	assert.Equal(t, "hello", parts.Get("0.text").String())
	assert.False(t, parts.Get("0.metadata").Exists())
}

func TestExtractThinkTags(t *testing.T) {
	thinking, rest := ExtractThinkTags("<think>plan</think>answer")
	assert.Equal(t, "plan", thinking)
	assert.Equal(t, "answer", rest)

	thinking, rest = ExtractThinkTags("no tags here")
	assert.Equal(t, "", thinking)
	assert.Equal(t, "no tags here", rest)
}

func TestDecodeToolID(t *testing.T) {
	id, sig := DecodeToolID("toolu_42__sig__deadbeef")
	assert.Equal(t, "toolu_42", id)
	assert.Equal(t, "deadbeef", sig)

	id, sig = DecodeToolID("call_plain")
	assert.Equal(t, "call_plain", id)
	assert.Equal(t, "", sig)
}
