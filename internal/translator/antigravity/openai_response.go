package antigravity

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agproxy/agproxy/internal/cache"
)

// OpenAIProjector turns upstream stream events into OpenAI Chat
// Completions chunk payloads. One projector serves one response.
type OpenAIProjector struct {
	ID             string
	Model          string
	Created        int64
	ReturnThoughts bool
	Sigs           *cache.SignatureCache
	Conv           *cache.ConversationState

	roleSent  bool
	toolIndex int
	sawTool   bool
}

// NewOpenAIProjector creates a projector with a fresh completion id.
func NewOpenAIProjector(model string, returnThoughts bool, sigs *cache.SignatureCache, conv *cache.ConversationState) *OpenAIProjector {
	return &OpenAIProjector{
		ID:             "chatcmpl-" + newCompletionSuffix(),
		Model:          model,
		Created:        time.Now().Unix(),
		ReturnThoughts: returnThoughts,
		Sigs:           sigs,
		Conv:           conv,
	}
}

func (p *OpenAIProjector) baseChunk() string {
	chunk := `{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	chunk, _ = sjson.Set(chunk, "id", p.ID)
	chunk, _ = sjson.Set(chunk, "model", p.Model)
	chunk, _ = sjson.Set(chunk, "created", p.Created)
	return chunk
}

// Chunk projects one upstream event into zero or more chunk payloads.
func (p *OpenAIProjector) Chunk(raw []byte) []string {
	event := UnwrapEvent(raw)
	ObserveSignatures(p.Sigs, p.Conv, p.Model, event)

	var out []string
	emit := func(chunk string) {
		if !p.roleSent {
			chunk, _ = sjson.Set(chunk, "choices.0.delta.role", "assistant")
			p.roleSent = true
		}
		out = append(out, chunk)
	}

	gjson.GetBytes(event, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			p.sawTool = true
			id := EncodeToolID(part.Get("functionCall.id").String(), part.Get("thoughtSignature").String())
			if p.Conv != nil {
				p.Conv.RememberToolCall(id, part.Get("functionCall.name").String(), part.Get("functionCall.args").Raw)
			}
			chunk := p.baseChunk()
			call := `{"type":"function","function":{}}`
			call, _ = sjson.Set(call, "index", p.toolIndex)
			call, _ = sjson.Set(call, "id", id)
			call, _ = sjson.Set(call, "function.name", part.Get("functionCall.name").String())
			args := part.Get("functionCall.args").Raw
			if args == "" {
				args = "{}"
			}
			call, _ = sjson.Set(call, "function.arguments", args)
			chunk, _ = sjson.SetRaw(chunk, "choices.0.delta.tool_calls", "["+call+"]")
			p.toolIndex++
			emit(chunk)
		case part.Get("inlineData").Exists():
			chunk := p.baseChunk()
			chunk, _ = sjson.Set(chunk, "choices.0.delta.content", inlineDataMarkdown(part))
			emit(chunk)
		case part.Get("thought").Bool():
			if !p.ReturnThoughts {
				return true
			}
			if text := part.Get("text").String(); text != "" {
				chunk := p.baseChunk()
				chunk, _ = sjson.Set(chunk, "choices.0.delta.reasoning_content", text)
				emit(chunk)
			}
		case part.Get("text").Exists():
			if text := part.Get("text").String(); text != "" {
				chunk := p.baseChunk()
				chunk, _ = sjson.Set(chunk, "choices.0.delta.content", text)
				emit(chunk)
			}
		}
		return true
	})

	if reason := gjson.GetBytes(event, "candidates.0.finishReason"); reason.Exists() {
		finish, _ := mapFinishReason(reason.String(), p.sawTool)
		chunk := p.baseChunk()
		chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", finish)
		if usage := gjson.GetBytes(event, "usageMetadata"); usage.Exists() {
			chunk, _ = sjson.SetRaw(chunk, "usage", openAIUsage(usage))
		}
		out = append(out, chunk)
	}
	return out
}

// BuildOpenAIResponse renders a merged upstream response as a non-stream
// Chat Completions body.
func BuildOpenAIResponse(model string, merged []byte, returnThoughts bool, sigs *cache.SignatureCache, conv *cache.ConversationState) []byte {
	ObserveSignatures(sigs, conv, model, merged)

	out := `{"object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`
	out, _ = sjson.Set(out, "id", "chatcmpl-"+newCompletionSuffix())
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "created", time.Now().Unix())

	content := ""
	reasoning := ""
	toolCalls := `[]`
	sawTool := false
	gjson.GetBytes(merged, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			sawTool = true
			id := EncodeToolID(part.Get("functionCall.id").String(), part.Get("thoughtSignature").String())
			if conv != nil {
				conv.RememberToolCall(id, part.Get("functionCall.name").String(), part.Get("functionCall.args").Raw)
			}
			call := `{"type":"function","function":{}}`
			call, _ = sjson.Set(call, "id", id)
			call, _ = sjson.Set(call, "function.name", part.Get("functionCall.name").String())
			args := part.Get("functionCall.args").Raw
			if args == "" {
				args = "{}"
			}
			call, _ = sjson.Set(call, "function.arguments", args)
			toolCalls, _ = sjson.SetRaw(toolCalls, "-1", call)
		case part.Get("inlineData").Exists():
			content += inlineDataMarkdown(part)
		case part.Get("thought").Bool():
			reasoning += part.Get("text").String()
		default:
			content += part.Get("text").String()
		}
		return true
	})

	out, _ = sjson.Set(out, "choices.0.message.content", content)
	if returnThoughts && reasoning != "" {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", reasoning)
	}
	if sawTool {
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", toolCalls)
	}
	finish, _ := mapFinishReason(gjson.GetBytes(merged, "candidates.0.finishReason").String(), sawTool)
	out, _ = sjson.Set(out, "choices.0.finish_reason", finish)
	if usage := gjson.GetBytes(merged, "usageMetadata"); usage.Exists() {
		out, _ = sjson.SetRaw(out, "usage", openAIUsage(usage))
	}
	return []byte(out)
}

func openAIUsage(usage gjson.Result) string {
	prompt := usage.Get("promptTokenCount").Int()
	completion := usage.Get("candidatesTokenCount").Int()
	thoughts := usage.Get("thoughtsTokenCount").Int()
	out := `{}`
	out, _ = sjson.Set(out, "prompt_tokens", prompt)
	out, _ = sjson.Set(out, "completion_tokens", completion+thoughts)
	out, _ = sjson.Set(out, "total_tokens", prompt+completion+thoughts)
	if thoughts > 0 {
		out, _ = sjson.Set(out, "completion_tokens_details.reasoning_tokens", thoughts)
	}
	return out
}

func inlineDataMarkdown(part gjson.Result) string {
	return fmt.Sprintf("![image](data:%s;base64,%s)",
		part.Get("inlineData.mimeType").String(), part.Get("inlineData.data").String())
}
