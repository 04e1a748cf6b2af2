package antigravity

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// EnvelopeToOpenAI renders the upstream envelope as an OpenAI Chat
// Completions request for OpenAI-compatible fallback backends. Thought
// parts are dropped: their signatures mean nothing outside Antigravity.
func EnvelopeToOpenAI(envelope []byte, targetModel string, stream bool) []byte {
	request := gjson.GetBytes(envelope, "request")

	out := `{"messages":[]}`
	out, _ = sjson.Set(out, "model", targetModel)
	if stream {
		out, _ = sjson.Set(out, "stream", true)
		out, _ = sjson.Set(out, "stream_options.include_usage", true)
	}

	messages := `[]`
	addMessage := func(message string) {
		messages, _ = sjson.SetRaw(messages, "-1", message)
	}

	if parts := request.Get("systemInstruction.parts"); parts.IsArray() {
		text := ""
		parts.ForEach(func(_, part gjson.Result) bool {
			text += part.Get("text").String()
			return true
		})
		if text != "" {
			message := `{"role":"system"}`
			message, _ = sjson.Set(message, "content", text)
			addMessage(message)
		}
	}

	// functionCall id -> name, so functionResponse parts keep pairing even
	// when the compat backend needs only the id.
	request.Get("contents").ForEach(func(_, content gjson.Result) bool {
		role := content.Get("role").String()
		if role == "model" {
			addMessage(envelopeModelTurn(content))
			return true
		}
		text := ""
		contentItems := `[]`
		hasImage := false
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Get("functionResponse").Exists():
				message := `{"role":"tool"}`
				message, _ = sjson.Set(message, "tool_call_id", part.Get("functionResponse.id").String())
				message, _ = sjson.Set(message, "content", part.Get("functionResponse.response.output").String())
				addMessage(message)
			case part.Get("inlineData").Exists():
				hasImage = true
				item := `{"type":"image_url"}`
				item, _ = sjson.Set(item, "image_url.url", fmt.Sprintf("data:%s;base64,%s",
					part.Get("inlineData.mimeType").String(), part.Get("inlineData.data").String()))
				contentItems, _ = sjson.SetRaw(contentItems, "-1", item)
			case part.Get("text").Exists():
				text += part.Get("text").String()
				item, _ := sjson.Set(`{"type":"text"}`, "text", part.Get("text").String())
				contentItems, _ = sjson.SetRaw(contentItems, "-1", item)
			}
			return true
		})
		if hasImage {
			message := `{"role":"user"}`
			message, _ = sjson.SetRaw(message, "content", contentItems)
			addMessage(message)
		} else if text != "" {
			message := `{"role":"user"}`
			message, _ = sjson.Set(message, "content", text)
			addMessage(message)
		}
		return true
	})
	out, _ = sjson.SetRaw(out, "messages", messages)

	if decls := request.Get("tools.0.functionDeclarations"); decls.IsArray() {
		tools := `[]`
		decls.ForEach(func(_, decl gjson.Result) bool {
			tool := `{"type":"function","function":{}}`
			tool, _ = sjson.Set(tool, "function.name", decl.Get("name").String())
			if desc := decl.Get("description").String(); desc != "" {
				tool, _ = sjson.Set(tool, "function.description", desc)
			}
			if params := decl.Get("parameters"); params.Exists() {
				tool, _ = sjson.SetRaw(tool, "function.parameters", params.Raw)
			}
			tools, _ = sjson.SetRaw(tools, "-1", tool)
			return true
		})
		out, _ = sjson.SetRaw(out, "tools", tools)
	}
	switch request.Get("toolConfig.functionCallingConfig.mode").String() {
	case "NONE":
		out, _ = sjson.Set(out, "tool_choice", "none")
	case "ANY":
		if names := request.Get("toolConfig.functionCallingConfig.allowedFunctionNames"); names.IsArray() && len(names.Array()) == 1 {
			out, _ = sjson.Set(out, "tool_choice.type", "function")
			out, _ = sjson.Set(out, "tool_choice.function.name", names.Array()[0].String())
		} else {
			out, _ = sjson.Set(out, "tool_choice", "required")
		}
	}

	gen := request.Get("generationConfig")
	if v := gen.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}
	if v := gen.Get("topP"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}
	if v := gen.Get("maxOutputTokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	}
	if v := gen.Get("stopSequences"); v.IsArray() {
		out, _ = sjson.SetRaw(out, "stop", v.Raw)
	}
	return []byte(out)
}

// envelopeModelTurn renders one model turn as an assistant message.
func envelopeModelTurn(content gjson.Result) string {
	message := `{"role":"assistant"}`
	text := ""
	toolCalls := `[]`
	sawTool := false
	content.Get("parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("thought").Bool():
			// dropped
		case part.Get("functionCall").Exists():
			sawTool = true
			call := `{"type":"function","function":{}}`
			call, _ = sjson.Set(call, "id", part.Get("functionCall.id").String())
			call, _ = sjson.Set(call, "function.name", part.Get("functionCall.name").String())
			args := part.Get("functionCall.args").Raw
			if args == "" {
				args = "{}"
			}
			call, _ = sjson.Set(call, "function.arguments", args)
			toolCalls, _ = sjson.SetRaw(toolCalls, "-1", call)
		case part.Get("text").Exists():
			text += part.Get("text").String()
		}
		return true
	})
	message, _ = sjson.Set(message, "content", text)
	if sawTool {
		message, _ = sjson.SetRaw(message, "tool_calls", toolCalls)
	}
	return message
}

// CompatStream converts an OpenAI-compatible backend's stream back into
// upstream-shape events so the projectors stay dialect-agnostic. Tool
// calls arrive as fragmented argument deltas, so they buffer until the
// stream finishes.
type CompatStream struct {
	toolIDs   []string
	toolNames []string
	toolArgs  []string
	finish    string
	usage     string
}

// NewCompatStream creates a converter for one response.
func NewCompatStream() *CompatStream {
	return &CompatStream{}
}

// Event converts one OpenAI chunk; it returns nil when the chunk only
// advanced buffered state.
func (s *CompatStream) Event(chunk []byte) []byte {
	delta := gjson.GetBytes(chunk, "choices.0.delta")
	if usage := gjson.GetBytes(chunk, "usage"); usage.IsObject() {
		s.usage = usage.Raw
	}
	if reason := gjson.GetBytes(chunk, "choices.0.finish_reason"); reason.Exists() && reason.Type == gjson.String {
		s.finish = reason.String()
	}

	delta.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		index := int(call.Get("index").Int())
		for len(s.toolIDs) <= index {
			s.toolIDs = append(s.toolIDs, "")
			s.toolNames = append(s.toolNames, "")
			s.toolArgs = append(s.toolArgs, "")
		}
		if id := call.Get("id").String(); id != "" {
			s.toolIDs[index] = id
		}
		if name := call.Get("function.name").String(); name != "" {
			s.toolNames[index] = name
		}
		s.toolArgs[index] += call.Get("function.arguments").String()
		return true
	})

	parts := `[]`
	emitted := false
	if text := delta.Get("reasoning_content").String(); text != "" {
		part, _ := sjson.Set(`{"thought":true}`, "text", text)
		parts, _ = sjson.SetRaw(parts, "-1", part)
		emitted = true
	}
	if text := delta.Get("content").String(); text != "" {
		part, _ := sjson.Set(`{}`, "text", text)
		parts, _ = sjson.SetRaw(parts, "-1", part)
		emitted = true
	}
	if !emitted {
		return nil
	}
	out := `{"candidates":[{"content":{"role":"model","parts":[]},"index":0}]}`
	out, _ = sjson.SetRaw(out, "candidates.0.content.parts", parts)
	return []byte(out)
}

// Finish flushes buffered tool calls and emits the terminal event with
// finishReason and usage.
func (s *CompatStream) Finish() []byte {
	parts := `[]`
	for i := range s.toolIDs {
		part := `{"functionCall":{}}`
		part, _ = sjson.Set(part, "functionCall.id", s.toolIDs[i])
		part, _ = sjson.Set(part, "functionCall.name", s.toolNames[i])
		args := s.toolArgs[i]
		if !gjson.Valid(args) {
			args = "{}"
		}
		part, _ = sjson.SetRaw(part, "functionCall.args", args)
		parts, _ = sjson.SetRaw(parts, "-1", part)
	}
	out := `{"candidates":[{"content":{"role":"model","parts":[]},"index":0}]}`
	out, _ = sjson.SetRaw(out, "candidates.0.content.parts", parts)
	out, _ = sjson.Set(out, "candidates.0.finishReason", compatFinishReason(s.finish))
	if s.usage != "" {
		out, _ = sjson.SetRaw(out, "usageMetadata", compatUsage(s.usage))
	}
	return []byte(out)
}

// OpenAIResponseToUpstream converts a non-stream OpenAI response body from
// a compat backend into the merged upstream shape.
func OpenAIResponseToUpstream(body []byte) []byte {
	message := gjson.GetBytes(body, "choices.0.message")
	parts := `[]`
	if text := message.Get("reasoning_content").String(); text != "" {
		part, _ := sjson.Set(`{"thought":true}`, "text", text)
		parts, _ = sjson.SetRaw(parts, "-1", part)
	}
	if text := message.Get("content").String(); text != "" {
		part, _ := sjson.Set(`{}`, "text", text)
		parts, _ = sjson.SetRaw(parts, "-1", part)
	}
	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		part := `{"functionCall":{}}`
		part, _ = sjson.Set(part, "functionCall.id", call.Get("id").String())
		part, _ = sjson.Set(part, "functionCall.name", call.Get("function.name").String())
		args := call.Get("function.arguments").String()
		if !gjson.Valid(args) {
			args = "{}"
		}
		part, _ = sjson.SetRaw(part, "functionCall.args", args)
		parts, _ = sjson.SetRaw(parts, "-1", part)
		return true
	})

	out := `{"candidates":[{"content":{"role":"model","parts":[]},"index":0}]}`
	out, _ = sjson.SetRaw(out, "candidates.0.content.parts", parts)
	out, _ = sjson.Set(out, "candidates.0.finishReason",
		compatFinishReason(gjson.GetBytes(body, "choices.0.finish_reason").String()))
	if usage := gjson.GetBytes(body, "usage"); usage.IsObject() {
		out, _ = sjson.SetRaw(out, "usageMetadata", compatUsage(usage.Raw))
	}
	return []byte(out)
}

func compatFinishReason(reason string) string {
	switch reason {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

func compatUsage(openaiUsage string) string {
	usage := gjson.Parse(openaiUsage)
	out := `{}`
	out, _ = sjson.Set(out, "promptTokenCount", usage.Get("prompt_tokens").Int())
	completion := usage.Get("completion_tokens").Int()
	reasoning := usage.Get("completion_tokens_details.reasoning_tokens").Int()
	out, _ = sjson.Set(out, "candidatesTokenCount", completion-reasoning)
	if reasoning > 0 {
		out, _ = sjson.Set(out, "thoughtsTokenCount", reasoning)
	}
	out, _ = sjson.Set(out, "totalTokenCount", usage.Get("total_tokens").Int())
	return out
}
