package antigravity

import (
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agproxy/agproxy/internal/cache"
)

// SSEEvent is one named server-sent event on the Anthropic stream.
type SSEEvent struct {
	Event string
	Data  string
}

// ClaudeProjector turns upstream stream events into Anthropic Messages
// SSE events, managing content block lifecycles along the way.
type ClaudeProjector struct {
	ID             string
	Model          string
	ReturnThoughts bool
	Sigs           *cache.SignatureCache
	Conv           *cache.ConversationState

	blockIndex  int
	blockOpen   bool
	blockKind   string // "thinking" | "text" | "tool_use"
	sawTool     bool
	stopReason  string
	inputTokens int64
	outTokens   int64
}

// NewClaudeProjector creates a projector with a fresh message id.
func NewClaudeProjector(model string, returnThoughts bool, sigs *cache.SignatureCache, conv *cache.ConversationState) *ClaudeProjector {
	return &ClaudeProjector{
		ID:             "msg_" + newCompletionSuffix(),
		Model:          model,
		ReturnThoughts: returnThoughts,
		Sigs:           sigs,
		Conv:           conv,
	}
}

// Start emits message_start and the initial ping.
func (p *ClaudeProjector) Start() []SSEEvent {
	data := `{"type":"message_start","message":{"type":"message","role":"assistant","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	data, _ = sjson.Set(data, "message.id", p.ID)
	data, _ = sjson.Set(data, "message.model", p.Model)
	return []SSEEvent{
		{Event: "message_start", Data: data},
		{Event: "ping", Data: `{"type":"ping"}`},
	}
}

func (p *ClaudeProjector) closeBlock(events []SSEEvent) []SSEEvent {
	if !p.blockOpen {
		return events
	}
	data, _ := sjson.Set(`{"type":"content_block_stop"}`, "index", p.blockIndex)
	events = append(events, SSEEvent{Event: "content_block_stop", Data: data})
	p.blockOpen = false
	p.blockIndex++
	return events
}

func (p *ClaudeProjector) openBlock(events []SSEEvent, kind, blockJSON string) []SSEEvent {
	events = p.closeBlock(events)
	data := `{"type":"content_block_start"}`
	data, _ = sjson.Set(data, "index", p.blockIndex)
	data, _ = sjson.SetRaw(data, "content_block", blockJSON)
	events = append(events, SSEEvent{Event: "content_block_start", Data: data})
	p.blockOpen = true
	p.blockKind = kind
	return events
}

func (p *ClaudeProjector) delta(events []SSEEvent, deltaJSON string) []SSEEvent {
	data := `{"type":"content_block_delta"}`
	data, _ = sjson.Set(data, "index", p.blockIndex)
	data, _ = sjson.SetRaw(data, "delta", deltaJSON)
	return append(events, SSEEvent{Event: "content_block_delta", Data: data})
}

// Chunk projects one upstream event into Anthropic SSE events.
func (p *ClaudeProjector) Chunk(raw []byte) []SSEEvent {
	event := UnwrapEvent(raw)
	ObserveSignatures(p.Sigs, p.Conv, p.Model, event)

	var events []SSEEvent
	gjson.GetBytes(event, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			p.sawTool = true
			id := EncodeToolID(part.Get("functionCall.id").String(), part.Get("thoughtSignature").String())
			args := part.Get("functionCall.args").Raw
			if args == "" {
				args = "{}"
			}
			if p.Conv != nil {
				p.Conv.RememberToolCall(id, part.Get("functionCall.name").String(), args)
			}
			block := `{"type":"tool_use","input":{}}`
			block, _ = sjson.Set(block, "id", id)
			block, _ = sjson.Set(block, "name", part.Get("functionCall.name").String())
			events = p.openBlock(events, "tool_use", block)
			deltaJSON, _ := sjson.Set(`{"type":"input_json_delta"}`, "partial_json", args)
			events = p.delta(events, deltaJSON)
			events = p.closeBlock(events)
		case part.Get("thought").Bool():
			if !p.ReturnThoughts {
				return true
			}
			if !p.blockOpen || p.blockKind != "thinking" {
				events = p.openBlock(events, "thinking", `{"type":"thinking","thinking":""}`)
			}
			if text := part.Get("text").String(); text != "" {
				deltaJSON, _ := sjson.Set(`{"type":"thinking_delta"}`, "thinking", text)
				events = p.delta(events, deltaJSON)
			}
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				deltaJSON, _ := sjson.Set(`{"type":"signature_delta"}`, "signature", sig)
				events = p.delta(events, deltaJSON)
			}
		case part.Get("text").Exists():
			text := part.Get("text").String()
			if text == "" {
				return true
			}
			if !p.blockOpen || p.blockKind != "text" {
				events = p.openBlock(events, "text", `{"type":"text","text":""}`)
			}
			deltaJSON, _ := sjson.Set(`{"type":"text_delta"}`, "text", text)
			events = p.delta(events, deltaJSON)
		}
		return true
	})

	if usage := gjson.GetBytes(event, "usageMetadata"); usage.Exists() {
		p.inputTokens = usage.Get("promptTokenCount").Int()
		p.outTokens = usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
	}
	if reason := gjson.GetBytes(event, "candidates.0.finishReason"); reason.Exists() {
		_, p.stopReason = mapFinishReason(reason.String(), p.sawTool)
	}
	return events
}

// Finish closes any open block and emits message_delta and message_stop.
func (p *ClaudeProjector) Finish() []SSEEvent {
	events := p.closeBlock(nil)
	stop := p.stopReason
	if stop == "" {
		_, stop = mapFinishReason("", p.sawTool)
	}
	data := `{"type":"message_delta","delta":{"stop_sequence":null},"usage":{}}`
	data, _ = sjson.Set(data, "delta.stop_reason", stop)
	data, _ = sjson.Set(data, "usage.input_tokens", p.inputTokens)
	data, _ = sjson.Set(data, "usage.output_tokens", p.outTokens)
	events = append(events, SSEEvent{Event: "message_delta", Data: data})
	events = append(events, SSEEvent{Event: "message_stop", Data: `{"type":"message_stop"}`})
	return events
}

// BuildClaudeResponse renders a merged upstream response as a non-stream
// Messages body.
func BuildClaudeResponse(model string, merged []byte, returnThoughts bool, sigs *cache.SignatureCache, conv *cache.ConversationState) []byte {
	ObserveSignatures(sigs, conv, model, merged)

	out := `{"type":"message","role":"assistant","content":[],"stop_sequence":null}`
	out, _ = sjson.Set(out, "id", "msg_"+newCompletionSuffix())
	out, _ = sjson.Set(out, "model", model)

	content := `[]`
	sawTool := false
	gjson.GetBytes(merged, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			sawTool = true
			id := EncodeToolID(part.Get("functionCall.id").String(), part.Get("thoughtSignature").String())
			args := part.Get("functionCall.args").Raw
			if args == "" {
				args = "{}"
			}
			if conv != nil {
				conv.RememberToolCall(id, part.Get("functionCall.name").String(), args)
			}
			block := `{"type":"tool_use"}`
			block, _ = sjson.Set(block, "id", id)
			block, _ = sjson.Set(block, "name", part.Get("functionCall.name").String())
			block, _ = sjson.SetRaw(block, "input", args)
			content, _ = sjson.SetRaw(content, "-1", block)
		case part.Get("thought").Bool():
			if !returnThoughts {
				return true
			}
			block := `{"type":"thinking"}`
			block, _ = sjson.Set(block, "thinking", part.Get("text").String())
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				block, _ = sjson.Set(block, "signature", sig)
			}
			content, _ = sjson.SetRaw(content, "-1", block)
		case part.Get("text").Exists():
			if text := part.Get("text").String(); text != "" {
				block, _ := sjson.Set(`{"type":"text"}`, "text", text)
				content, _ = sjson.SetRaw(content, "-1", block)
			}
		}
		return true
	})
	out, _ = sjson.SetRaw(out, "content", content)

	_, stop := mapFinishReason(gjson.GetBytes(merged, "candidates.0.finishReason").String(), sawTool)
	out, _ = sjson.Set(out, "stop_reason", stop)

	usage := gjson.GetBytes(merged, "usageMetadata")
	out, _ = sjson.Set(out, "usage.input_tokens", usage.Get("promptTokenCount").Int())
	out, _ = sjson.Set(out, "usage.output_tokens", usage.Get("candidatesTokenCount").Int()+usage.Get("thoughtsTokenCount").Int())
	return []byte(out)
}

// BuildGeminiResponse renders a merged upstream response as a native
// generateContent body, stamping the client-facing model version.
func BuildGeminiResponse(model string, merged []byte, returnThoughts bool, sigs *cache.SignatureCache, conv *cache.ConversationState) []byte {
	ObserveSignatures(sigs, conv, model, merged)
	out := string(merged)
	if !returnThoughts {
		out = stripThoughts(out)
	}
	out, _ = sjson.Set(out, "modelVersion", model)
	if !gjson.Get(out, "responseId").Exists() {
		out, _ = sjson.Set(out, "responseId", newCompletionSuffix())
	}
	out, _ = sjson.Set(out, "createTime", time.Now().UTC().Format(time.RFC3339Nano))
	return []byte(out)
}

// ProjectGeminiChunk passes an upstream event through to a native Gemini
// stream consumer, optionally dropping thought parts.
func ProjectGeminiChunk(raw []byte, model string, returnThoughts bool, sigs *cache.SignatureCache, conv *cache.ConversationState) []byte {
	event := UnwrapEvent(raw)
	ObserveSignatures(sigs, conv, model, event)
	out := string(event)
	if !returnThoughts {
		out = stripThoughts(out)
	}
	out, _ = sjson.Set(out, "modelVersion", model)
	return []byte(out)
}

// stripThoughts removes thought parts from candidates.0.content.parts.
func stripThoughts(body string) string {
	parts := gjson.Get(body, "candidates.0.content.parts")
	if !parts.IsArray() {
		return body
	}
	kept := `[]`
	parts.ForEach(func(_, part gjson.Result) bool {
		if !part.Get("thought").Bool() {
			kept, _ = sjson.SetRaw(kept, "-1", part.Raw)
		}
		return true
	})
	out, _ := sjson.SetRaw(body, "candidates.0.content.parts", kept)
	return out
}
