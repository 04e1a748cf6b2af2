package antigravity

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agproxy/agproxy/internal/cache"
	"github.com/agproxy/agproxy/internal/registry"
)

// Options carries the per-request knobs shared by all three converters.
type Options struct {
	// Sigs is the process signature cache; nil disables recovery.
	Sigs *cache.SignatureCache

	// Conv is the conversation-scoped state for bridge requests.
	Conv *cache.ConversationState

	// CompatibilityMode folds system prompts into the first user turn
	// instead of systemInstruction.
	CompatibilityMode bool
}

// ConvertOpenAIRequest translates an OpenAI Chat Completions request body
// into the upstream envelope for the resolved model.
func ConvertOpenAIRequest(res registry.Resolution, rawJSON []byte, opts Options) []byte {
	root := gjson.ParseBytes(rawJSON)
	resolver := newSignatureResolver(opts.Sigs, opts.Conv)

	out := `{"model":"","request":{"contents":[]}}`
	out, _ = sjson.Set(out, "model", res.Model)

	// First pass: map tool_call_id -> tool name across the whole history,
	// so tool messages can be emitted as named functionResponse parts and
	// orphan results can be detected.
	toolNames := make(map[string]string)
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			id, _ := DecodeToolID(call.Get("id").String())
			toolNames[id] = call.Get("function.name").String()
			return true
		})
		return true
	})

	var systemTexts []string
	contents := `[]`
	appendContent := func(role, parts string) {
		entry := `{}`
		entry, _ = sjson.Set(entry, "role", role)
		entry, _ = sjson.SetRaw(entry, "parts", parts)
		contents, _ = sjson.SetRaw(contents, "-1", entry)
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		switch role {
		case "system", "developer":
			if text := flattenOpenAIContent(message.Get("content")); text != "" {
				systemTexts = append(systemTexts, text)
			}
		case "user":
			if parts := openAIUserParts(message.Get("content")); parts != "[]" {
				appendContent("user", parts)
			}
		case "assistant":
			if parts := openAIAssistantParts(message, resolver); parts != "[]" {
				appendContent("model", parts)
			}
		case "tool":
			id, _ := DecodeToolID(message.Get("tool_call_id").String())
			name, known := toolNames[id]
			if !known {
				// Orphan tool result; forwarding it trips an upstream 400.
				return true
			}
			part := `{"functionResponse":{"response":{}}}`
			part, _ = sjson.Set(part, "functionResponse.id", id)
			part, _ = sjson.Set(part, "functionResponse.name", name)
			part, _ = sjson.Set(part, "functionResponse.response.output", flattenOpenAIContent(message.Get("content")))
			parts := `[]`
			parts, _ = sjson.SetRaw(parts, "-1", part)
			appendContent("user", parts)
		}
		return true
	})

	out, _ = sjson.SetRaw(out, "request.contents", contents)
	out = injectSystemPrompt(out, strings.Join(systemTexts, "\n\n"), opts.CompatibilityMode)

	// Tools.
	if tools := root.Get("tools"); tools.IsArray() {
		decls := `[]`
		count := 0
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := tool.Get("function")
			if !fn.Exists() {
				return true
			}
			decl := `{}`
			decl, _ = sjson.Set(decl, "name", fn.Get("name").String())
			if desc := fn.Get("description").String(); desc != "" {
				decl, _ = sjson.Set(decl, "description", desc)
			}
			params := fn.Get("parameters")
			if params.Exists() {
				decl, _ = sjson.SetRaw(decl, "parameters", string(CleanToolSchema([]byte(params.Raw))))
			}
			decls, _ = sjson.SetRaw(decls, "-1", decl)
			count++
			return true
		})
		if count > 0 {
			out, _ = sjson.SetRaw(out, "request.tools", `[{"functionDeclarations":`+decls+`}]`)
		}
	}
	if choice := root.Get("tool_choice"); choice.Exists() {
		out = applyToolChoice(out, choice)
	}

	// Generation config.
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "request.generationConfig.temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "request.generationConfig.topP", v.Float())
	}
	maxTokens := root.Get("max_completion_tokens")
	if !maxTokens.Exists() {
		maxTokens = root.Get("max_tokens")
	}
	if maxTokens.Exists() {
		out, _ = sjson.Set(out, "request.generationConfig.maxOutputTokens", maxTokens.Int())
	}
	if stops := root.Get("stop"); stops.Exists() {
		if stops.IsArray() {
			out, _ = sjson.SetRaw(out, "request.generationConfig.stopSequences", stops.Raw)
		} else {
			out, _ = sjson.Set(out, "request.generationConfig.stopSequences", []string{stops.String()})
		}
	}

	out = applyModelConfig(out, res, maxTokens.Int())

	body := []byte(out)
	body = SanitizeContents(body)
	body = RepairToolPairs(body)
	return body
}

// flattenOpenAIContent renders string-or-array OpenAI content as text.
func flattenOpenAIContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				parts = append(parts, item.Get("text").String())
			} else if text := item.Get("text"); text.Exists() {
				parts = append(parts, text.String())
			}
			return true
		})
		return strings.Join(parts, "")
	}
	return ""
}

// openAIUserParts converts user content into upstream parts, transcoding
// data-URL images into inlineData.
func openAIUserParts(content gjson.Result) string {
	parts := `[]`
	addText := func(text string) {
		if text == "" {
			return
		}
		part, _ := sjson.Set(`{}`, "text", text)
		parts, _ = sjson.SetRaw(parts, "-1", part)
	}

	if content.Type == gjson.String {
		addText(content.String())
		return parts
	}
	content.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			addText(item.Get("text").String())
		case "image_url":
			if mime, data, ok := parseDataURL(item.Get("image_url.url").String()); ok {
				part := `{"inlineData":{}}`
				part, _ = sjson.Set(part, "inlineData.mimeType", mime)
				part, _ = sjson.Set(part, "inlineData.data", data)
				parts, _ = sjson.SetRaw(parts, "-1", part)
			}
		default:
			if text := item.Get("text"); text.Exists() {
				addText(text.String())
			}
		}
		return true
	})
	return parts
}

// openAIAssistantParts converts an assistant message: text (with <think>
// extraction), historical thinking blocks, and tool calls.
func openAIAssistantParts(message gjson.Result, resolver *signatureResolver) string {
	parts := `[]`

	emitThinking := func(text, signature string) {
		resolver.observe(signature)
		part := `{"thought":true}`
		part, _ = sjson.Set(part, "text", text)
		if sig := resolver.forThinking(signature, text); sig != "" {
			part, _ = sjson.Set(part, "thoughtSignature", sig)
		}
		parts, _ = sjson.SetRaw(parts, "-1", part)
	}
	emitText := func(text string) {
		if text == "" {
			return
		}
		part, _ := sjson.Set(`{}`, "text", text)
		parts, _ = sjson.SetRaw(parts, "-1", part)
	}

	content := message.Get("content")
	switch {
	case content.Type == gjson.String:
		thinking, rest := ExtractThinkTags(content.String())
		if thinking != "" {
			emitThinking(thinking, "")
		}
		emitText(rest)
	case content.IsArray():
		content.ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "thinking", "reasoning":
				emitThinking(item.Get("thinking").String()+item.Get("text").String(), item.Get("signature").String())
			case "text":
				thinking, rest := ExtractThinkTags(item.Get("text").String())
				if thinking != "" {
					emitThinking(thinking, "")
				}
				emitText(rest)
			}
			return true
		})
	}

	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		id, signature := resolver.forToolCall(call.Get("id").String(), "")
		part := `{"functionCall":{}}`
		part, _ = sjson.Set(part, "functionCall.id", id)
		part, _ = sjson.Set(part, "functionCall.name", call.Get("function.name").String())
		args := call.Get("function.arguments").String()
		if args == "" {
			args = "{}"
		}
		if gjson.Valid(args) {
			part, _ = sjson.SetRaw(part, "functionCall.args", args)
		} else {
			part, _ = sjson.SetRaw(part, "functionCall.args", `{}`)
		}
		part, _ = sjson.Set(part, "thoughtSignature", signature)
		parts, _ = sjson.SetRaw(parts, "-1", part)
		return true
	})

	return parts
}

// ExtractThinkTags splits "<think>...</think>rest" into the thinking text
// and the remaining visible text.
func ExtractThinkTags(text string) (thinking, rest string) {
	start := strings.Index(text, "<think>")
	if start < 0 {
		return "", text
	}
	end := strings.Index(text, "</think>")
	if end < 0 || end < start {
		return "", text
	}
	thinking = strings.TrimSpace(text[start+len("<think>") : end])
	rest = strings.TrimSpace(text[:start] + text[end+len("</think>"):])
	return thinking, rest
}

// parseDataURL decodes "data:image/png;base64,<data>".
func parseDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", "", false
	}
	return rest[:semi], rest[semi+len(";base64,"):], true
}

// injectSystemPrompt attaches the system prompt. The Antigravity prologue
// always rides in systemInstruction; the client's own system text either
// joins it there or, in compatibility mode, is folded into the first user
// message.
func injectSystemPrompt(out, system string, compatibility bool) string {
	instruction := Prologue
	if system != "" && !compatibility {
		instruction = Prologue + "\n\n" + system
	}
	block := `{"parts":[]}`
	part, _ := sjson.Set(`{}`, "text", instruction)
	blockParts := `[]`
	blockParts, _ = sjson.SetRaw(blockParts, "-1", part)
	block, _ = sjson.SetRaw(block, "parts", blockParts)
	out, _ = sjson.SetRaw(out, "request.systemInstruction", block)

	if system == "" || !compatibility {
		return out
	}

	// Compatibility mode: prepend the system text to the first user turn,
	// or synthesize one if the history has none.
	contents := gjson.Get(out, "request.contents")
	index := -1
	i := 0
	contents.ForEach(func(_, content gjson.Result) bool {
		if content.Get("role").String() == "user" {
			index = i
			return false
		}
		i++
		return true
	})
	sysPart, _ := sjson.Set(`{}`, "text", system)
	if index < 0 {
		entry := `{"role":"user","parts":[]}`
		entry, _ = sjson.SetRaw(entry, "parts.-1", sysPart)
		out, _ = sjson.SetRaw(out, "request.contents.-1", entry)
		return out
	}
	path := "request.contents." + strconv.Itoa(index) + ".parts"
	existing := gjson.Get(out, path).Raw
	merged := `[]`
	merged, _ = sjson.SetRaw(merged, "-1", sysPart)
	gjson.Parse(existing).ForEach(func(_, p gjson.Result) bool {
		merged, _ = sjson.SetRaw(merged, "-1", p.Raw)
		return true
	})
	out, _ = sjson.SetRaw(out, path, merged)
	return out
}

// applyToolChoice maps OpenAI tool_choice onto upstream toolConfig.
func applyToolChoice(out string, choice gjson.Result) string {
	mode := "AUTO"
	switch {
	case choice.Type == gjson.String:
		switch choice.String() {
		case "none":
			mode = "NONE"
		case "required":
			mode = "ANY"
		}
	case choice.IsObject():
		mode = "ANY"
		if name := choice.Get("function.name").String(); name != "" {
			out, _ = sjson.Set(out, "request.toolConfig.functionCallingConfig.allowedFunctionNames", []string{name})
		}
	}
	out, _ = sjson.Set(out, "request.toolConfig.functionCallingConfig.mode", mode)
	return out
}

// applyModelConfig attaches thinking and image generation settings derived
// from the model resolution.
func applyModelConfig(out string, res registry.Resolution, maxTokens int64) string {
	if res.Thinking && registry.SupportsThinking(res.Model) {
		budget := registry.ThinkingBudgetFor(res.Model, res.ThinkingBudget)
		out, _ = sjson.Set(out, "request.generationConfig.thinkingConfig.includeThoughts", true)
		if budget > 0 {
			if maxTokens > 0 && int64(budget) >= maxTokens {
				budget = int(maxTokens) - 1
			}
			if budget > 0 {
				out, _ = sjson.Set(out, "request.generationConfig.thinkingConfig.thinkingBudget", budget)
			}
		} else if budget == -1 {
			out, _ = sjson.Set(out, "request.generationConfig.thinkingConfig.thinkingBudget", -1)
		}
	}
	if res.ImageGen {
		if res.AspectRatio != "" {
			out, _ = sjson.Set(out, "request.generationConfig.imageConfig.aspectRatio", res.AspectRatio)
		}
		if res.Resolution != "" {
			out, _ = sjson.Set(out, "request.generationConfig.imageConfig.imageSize", res.Resolution)
		}
	}
	return out
}
