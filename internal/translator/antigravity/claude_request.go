package antigravity

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agproxy/agproxy/internal/registry"
)

// ConvertClaudeRequest translates an Anthropic Messages request body into
// the upstream envelope for the resolved model.
func ConvertClaudeRequest(res registry.Resolution, rawJSON []byte, opts Options) []byte {
	root := gjson.ParseBytes(rawJSON)
	resolver := newSignatureResolver(opts.Sigs, opts.Conv)

	out := `{"model":"","request":{"contents":[]}}`
	out, _ = sjson.Set(out, "model", res.Model)

	// tool_use id -> name, so tool_result blocks become named responses.
	toolNames := make(map[string]string)
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		content := message.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_use" {
				id, _ := DecodeToolID(block.Get("id").String())
				toolNames[id] = block.Get("name").String()
			}
			return true
		})
		return true
	})

	contents := `[]`
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		upstreamRole := "user"
		if role == "assistant" {
			upstreamRole = "model"
		}
		parts := claudeMessageParts(message.Get("content"), role, toolNames, resolver)
		if parts == "[]" {
			return true
		}
		entry := `{}`
		entry, _ = sjson.Set(entry, "role", upstreamRole)
		entry, _ = sjson.SetRaw(entry, "parts", parts)
		contents, _ = sjson.SetRaw(contents, "-1", entry)
		return true
	})
	out, _ = sjson.SetRaw(out, "request.contents", contents)

	out = injectSystemPrompt(out, flattenClaudeSystem(root.Get("system")), opts.CompatibilityMode)

	// Tools.
	if tools := root.Get("tools"); tools.IsArray() {
		decls := `[]`
		count := 0
		tools.ForEach(func(_, tool gjson.Result) bool {
			name := tool.Get("name").String()
			if name == "" {
				return true
			}
			decl := `{}`
			decl, _ = sjson.Set(decl, "name", name)
			if desc := tool.Get("description").String(); desc != "" {
				decl, _ = sjson.Set(decl, "description", desc)
			}
			if schema := tool.Get("input_schema"); schema.Exists() {
				decl, _ = sjson.SetRaw(decl, "parameters", string(CleanToolSchema([]byte(schema.Raw))))
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
		out = applyClaudeToolChoice(out, choice)
	}

	// Generation config.
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "request.generationConfig.temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "request.generationConfig.topP", v.Float())
	}
	if v := root.Get("top_k"); v.Exists() {
		out, _ = sjson.Set(out, "request.generationConfig.topK", v.Int())
	}
	maxTokens := root.Get("max_tokens").Int()
	if maxTokens > 0 {
		out, _ = sjson.Set(out, "request.generationConfig.maxOutputTokens", maxTokens)
	}
	if stops := root.Get("stop_sequences"); stops.IsArray() {
		out, _ = sjson.SetRaw(out, "request.generationConfig.stopSequences", stops.Raw)
	}

	out = applyClaudeThinking(out, res, root.Get("thinking"), maxTokens)

	body := []byte(out)
	body = SanitizeContents(body)
	body = RepairToolPairs(body)
	return body
}

// claudeMessageParts converts one Messages content value into upstream parts.
func claudeMessageParts(content gjson.Result, role string, toolNames map[string]string, resolver *signatureResolver) string {
	parts := `[]`
	addRaw := func(part string) {
		parts, _ = sjson.SetRaw(parts, "-1", part)
	}
	addText := func(text string) {
		if text == "" {
			return
		}
		part, _ := sjson.Set(`{}`, "text", text)
		addRaw(part)
	}

	if content.Type == gjson.String {
		addText(content.String())
		return parts
	}
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			addText(block.Get("text").String())
		case "image":
			source := block.Get("source")
			if source.Get("type").String() == "base64" {
				part := `{"inlineData":{}}`
				part, _ = sjson.Set(part, "inlineData.mimeType", source.Get("media_type").String())
				part, _ = sjson.Set(part, "inlineData.data", source.Get("data").String())
				addRaw(part)
			}
		case "thinking":
			signature := block.Get("signature").String()
			resolver.observe(signature)
			text := block.Get("thinking").String()
			part := `{"thought":true}`
			part, _ = sjson.Set(part, "text", text)
			if sig := resolver.forThinking(signature, text); sig != "" {
				part, _ = sjson.Set(part, "thoughtSignature", sig)
			}
			addRaw(part)
		case "redacted_thinking":
			// Redacted blocks carry only the opaque payload; replay it as an
			// empty thought so the signature chain stays intact.
			signature := block.Get("data").String()
			resolver.observe(signature)
			part := `{"thought":true,"text":""}`
			if sig := resolver.forThinking(signature, ""); sig != "" {
				part, _ = sjson.Set(part, "thoughtSignature", sig)
			}
			addRaw(part)
		case "tool_use":
			id, signature := resolver.forToolCall(block.Get("id").String(), "")
			part := `{"functionCall":{}}`
			part, _ = sjson.Set(part, "functionCall.id", id)
			part, _ = sjson.Set(part, "functionCall.name", block.Get("name").String())
			input := block.Get("input")
			if input.Exists() && input.IsObject() {
				part, _ = sjson.SetRaw(part, "functionCall.args", input.Raw)
			} else {
				part, _ = sjson.SetRaw(part, "functionCall.args", `{}`)
			}
			part, _ = sjson.Set(part, "thoughtSignature", signature)
			addRaw(part)
		case "tool_result":
			id, _ := DecodeToolID(block.Get("tool_use_id").String())
			name, known := toolNames[id]
			if !known {
				return true
			}
			part := `{"functionResponse":{"response":{}}}`
			part, _ = sjson.Set(part, "functionResponse.id", id)
			part, _ = sjson.Set(part, "functionResponse.name", name)
			part, _ = sjson.Set(part, "functionResponse.response.output", flattenClaudeToolResult(block.Get("content")))
			if block.Get("is_error").Bool() {
				part, _ = sjson.Set(part, "functionResponse.response.isError", true)
			}
			addRaw(part)
		}
		return true
	})
	return parts
}

// flattenClaudeSystem renders the system field, which is a string or an
// array of text blocks.
func flattenClaudeSystem(system gjson.Result) string {
	if system.Type == gjson.String {
		return system.String()
	}
	if !system.IsArray() {
		return ""
	}
	var out string
	system.ForEach(func(_, block gjson.Result) bool {
		if text := block.Get("text").String(); text != "" {
			if out != "" {
				out += "\n\n"
			}
			out += text
		}
		return true
	})
	return out
}

// flattenClaudeToolResult renders tool_result content as a single string.
func flattenClaudeToolResult(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return content.Raw
	}
	var out string
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			out += block.Get("text").String()
		}
		return true
	})
	return out
}

// applyClaudeToolChoice maps Anthropic tool_choice onto upstream toolConfig.
func applyClaudeToolChoice(out string, choice gjson.Result) string {
	mode := "AUTO"
	switch choice.Get("type").String() {
	case "any":
		mode = "ANY"
	case "none":
		mode = "NONE"
	case "tool":
		mode = "ANY"
		if name := choice.Get("name").String(); name != "" {
			out, _ = sjson.Set(out, "request.toolConfig.functionCallingConfig.allowedFunctionNames", []string{name})
		}
	}
	out, _ = sjson.Set(out, "request.toolConfig.functionCallingConfig.mode", mode)
	return out
}

// applyClaudeThinking derives thinkingConfig from the request's thinking
// block when present, falling back to the model-suffix resolution. The
// config is only forwarded when the last assistant turn opens with a
// thought part; the upstream rejects replayed signatures that follow
// plain text. An explicit budget is clamped below max_tokens, and a
// budget clamped to zero suppresses the config entirely. Whenever the
// config is withheld the replayed thought parts go with it.
func applyClaudeThinking(out string, res registry.Resolution, thinking gjson.Result, maxTokens int64) string {
	enabled := res.Thinking
	budget := res.ThinkingBudget
	if thinking.Exists() {
		switch thinking.Get("type").String() {
		case "enabled":
			enabled = true
			if b := thinking.Get("budget_tokens"); b.Exists() {
				budget = int(b.Int())
			}
		case "disabled":
			enabled = false
		}
	}
	if enabled && registry.SupportsThinking(res.Model) && lastAssistantStartsWithThinking(out) {
		budget = registry.ThinkingBudgetFor(res.Model, budget)
		if budget > 0 && maxTokens > 0 && int64(budget) >= maxTokens {
			budget = int(maxTokens) - 1
		}
		if budget != 0 {
			out, _ = sjson.Set(out, "request.generationConfig.thinkingConfig.includeThoughts", true)
			out, _ = sjson.Set(out, "request.generationConfig.thinkingConfig.thinkingBudget", budget)
			return out
		}
	}
	return stripThoughtParts(out)
}

// lastAssistantStartsWithThinking reports whether the most recent model
// turn opens with a thought part. With no model turn yet there is nothing
// to contradict a replay, so it holds vacuously.
func lastAssistantStartsWithThinking(out string) bool {
	contents := gjson.Get(out, "request.contents").Array()
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Get("role").String() != "model" {
			continue
		}
		return contents[i].Get("parts.0.thought").Bool()
	}
	return true
}

// stripThoughtParts removes replayed thought parts from the history; turns
// left empty by the removal are dropped too.
func stripThoughtParts(out string) string {
	rebuilt := `[]`
	changed := false
	gjson.Get(out, "request.contents").ForEach(func(_, content gjson.Result) bool {
		parts := `[]`
		kept := 0
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if part.Get("thought").Bool() {
				changed = true
				return true
			}
			parts, _ = sjson.SetRaw(parts, "-1", part.Raw)
			kept++
			return true
		})
		if kept == 0 {
			changed = true
			return true
		}
		entry, _ := sjson.Set(`{}`, "role", content.Get("role").String())
		entry, _ = sjson.SetRaw(entry, "parts", parts)
		rebuilt, _ = sjson.SetRaw(rebuilt, "-1", entry)
		return true
	})
	if !changed {
		return out
	}
	out, _ = sjson.SetRaw(out, "request.contents", rebuilt)
	return out
}
