package api

import (
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agproxy/agproxy/internal/cache"
	"github.com/agproxy/agproxy/internal/registry"
	"github.com/agproxy/agproxy/internal/streaming"
	"github.com/agproxy/agproxy/internal/translator/antigravity"
)

const (
	// bridgeDefaultModel serves bridge clients that never name a model.
	bridgeDefaultModel = "gemini-3-pro"

	bridgeContextGuidance = "The conversation exceeds the model's context window. " +
		"Start a new conversation or remove older turns."
)

// Augment-style node type discriminators.
const (
	nodeTypeToolResult = 1
	nodeTypeToolUse    = 5
)

// ChatStream serves the POST /chat-stream NDJSON bridge. The request
// carries {message, chat_history, nodes, tool_definitions, conversation_id,
// mode}; each response line is one {text?, nodes?, stop_reason?} object.
func (h *Handler) ChatStream(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		badRequest(c, "cannot read request body: "+err.Error())
		return
	}

	conversationID := gjson.GetBytes(rawJSON, "conversation_id").String()
	state := h.conv.Get(conversationID)

	alias := gjson.GetBytes(rawJSON, "model").String()
	if alias == "" {
		alias = bridgeDefaultModel
	}
	res := registry.Resolve(alias)

	chatReq := bridgeToOpenAI(rawJSON, state)
	envelope := antigravity.ConvertOpenAIRequest(res, chatReq, antigravity.Options{
		Sigs:              h.sigs,
		Conv:              state,
		CompatibilityMode: true,
	})

	w := streaming.NewNDJSONWriter(c.Writer)
	envelope, fits := relieveContextPressure(envelope, res.Model)
	if !fits {
		_ = w.WriteLine(bridgeLine(bridgeContextGuidance, "end_turn"))
		return
	}

	stream, dispErr := h.disp.Dispatch(c.Request.Context(), newRequest(alias, res, envelope))
	if dispErr != nil {
		_ = w.WriteLine(bridgeLine(dispErr.Message, "end_turn"))
		return
	}
	defer stream.Close()

	sawTool := false
	emit := func(raw []byte) bool {
		event := antigravity.UnwrapEvent(raw)
		antigravity.ObserveSignatures(h.sigs, state, res.Model, event)
		ok := true
		gjson.GetBytes(event, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Get("functionCall").Exists():
				sawTool = true
				id := antigravity.EncodeToolID(part.Get("functionCall.id").String(), part.Get("thoughtSignature").String())
				name := part.Get("functionCall.name").String()
				args := part.Get("functionCall.args").Raw
				if args == "" {
					args = "{}"
				}
				state.RememberToolCall(id, name, args)
				ok = w.WriteLine(toolUseLine(id, name, args)) == nil
			case part.Get("thought").Bool():
				// Thinking never crosses the bridge.
			case part.Get("text").Exists():
				if text := part.Get("text").String(); text != "" {
					ok = w.WriteLine(bridgeLine(text, "")) == nil
				}
			}
			return ok
		})
		return ok
	}

	if !emit(stream.First) {
		return
	}
	for event := range stream.Events {
		if event.Err != nil {
			log.Warnf("api: chat-stream error: %v", event.Err)
			break
		}
		if !emit(event.Data) {
			return
		}
	}
	if !sawTool {
		_ = w.WriteLine(bridgeLine("", "end_turn"))
	}
}

// bridgeToOpenAI rebuilds an OpenAI-shape chat request from the bridge
// payload: history pairs, a possible tool-result continuation, the new user
// message, and the tool definitions.
func bridgeToOpenAI(rawJSON []byte, state *cache.ConversationState) []byte {
	out := `{"messages":[]}`

	gjson.GetBytes(rawJSON, "chat_history").ForEach(func(_, turn gjson.Result) bool {
		if text := turn.Get("request_message").String(); text != "" {
			msg, _ := sjson.Set(`{"role":"user"}`, "content", text)
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
		if text := turn.Get("response_text").String(); text != "" {
			msg, _ := sjson.Set(`{"role":"assistant"}`, "content", text)
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
		return true
	})

	// A continuation turn carries tool_result nodes and an empty message;
	// the assistant tool_use turn they answer must be replayed from the
	// conversation state.
	var assistantCalls string
	var toolMsgs []string
	gjson.GetBytes(rawJSON, "nodes").ForEach(func(_, node gjson.Result) bool {
		if node.Get("type").Int() != nodeTypeToolResult {
			return true
		}
		id := node.Get("tool_result_node.tool_use_id").String()
		content := node.Get("tool_result_node.content").String()
		name := "unknown"
		args := "{}"
		if call, ok := state.ToolCall(id); ok {
			name = call.Name
			args = call.Arguments
		}
		call := `{"type":"function"}`
		call, _ = sjson.Set(call, "id", id)
		call, _ = sjson.Set(call, "function.name", name)
		call, _ = sjson.Set(call, "function.arguments", args)
		if assistantCalls == "" {
			assistantCalls = "[]"
		}
		assistantCalls, _ = sjson.SetRaw(assistantCalls, "-1", call)

		msg, _ := sjson.Set(`{"role":"tool"}`, "tool_call_id", id)
		msg, _ = sjson.Set(msg, "content", content)
		toolMsgs = append(toolMsgs, msg)
		return true
	})
	if assistantCalls != "" {
		assistant := `{"role":"assistant","content":""}`
		assistant, _ = sjson.SetRaw(assistant, "tool_calls", assistantCalls)
		out, _ = sjson.SetRaw(out, "messages.-1", assistant)
		for _, msg := range toolMsgs {
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
	}

	if message := gjson.GetBytes(rawJSON, "message").String(); message != "" {
		msg, _ := sjson.Set(`{"role":"user"}`, "content", message)
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
	}

	gjson.GetBytes(rawJSON, "tool_definitions").ForEach(func(_, def gjson.Result) bool {
		var tool string
		if def.Get("function").Exists() {
			tool = def.Raw
		} else {
			tool = `{"type":"function"}`
			tool, _ = sjson.Set(tool, "function.name", def.Get("name").String())
			tool, _ = sjson.Set(tool, "function.description", def.Get("description").String())
			schema := def.Get("input_schema_json").String()
			if schema == "" {
				schema = def.Get("input_schema").Raw
			}
			if schema == "" {
				schema = `{"type":"object","properties":{}}`
			}
			tool, _ = sjson.SetRaw(tool, "function.parameters", schema)
		}
		if !gjson.Get(out, "tools").Exists() {
			out, _ = sjson.SetRaw(out, "tools", "[]")
		}
		out, _ = sjson.SetRaw(out, "tools.-1", tool)
		return true
	})

	return []byte(out)
}

func bridgeLine(text, stopReason string) []byte {
	out, _ := sjson.Set(`{}`, "text", text)
	if stopReason != "" {
		out, _ = sjson.Set(out, "stop_reason", stopReason)
	}
	return []byte(out)
}

func toolUseLine(id, name, args string) []byte {
	node := `{}`
	node, _ = sjson.Set(node, "type", nodeTypeToolUse)
	node, _ = sjson.Set(node, "tool_use.tool_use_id", id)
	node, _ = sjson.Set(node, "tool_use.tool_name", name)
	node, _ = sjson.Set(node, "tool_use.input_json", args)
	out, _ := sjson.SetRaw(`{}`, "nodes", "["+node+"]")
	out, _ = sjson.Set(out, "stop_reason", "tool_use")
	return []byte(out)
}
