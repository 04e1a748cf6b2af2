package antigravity

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agproxy/agproxy/internal/cache"
)

func newCompletionSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// UnwrapEvent strips the upstream stream envelope, which wraps each SSE
// payload in a top-level "response" object. Non-wrapped payloads pass
// through unchanged.
func UnwrapEvent(event []byte) []byte {
	if inner := gjson.GetBytes(event, "response"); inner.Exists() && inner.IsObject() {
		return []byte(inner.Raw)
	}
	return event
}

// ObserveSignatures caches every thought signature an upstream event
// carries, keyed by thinking-text hash and by tool id, so later turns can
// replay them.
func ObserveSignatures(sigs *cache.SignatureCache, conv *cache.ConversationState, model string, event []byte) {
	if sigs == nil {
		return
	}
	lastSig := ""
	if conv != nil {
		lastSig = conv.LastSignature()
	}
	gjson.GetBytes(event, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		sig := part.Get("thoughtSignature").String()
		if sig != "" {
			if conv != nil {
				conv.RememberSignature(sig)
			}
			lastSig = sig
		}
		switch {
		case part.Get("thought").Bool():
			if sig != "" {
				sigs.Put(part.Get("text").String(), sig, model)
			}
		case part.Get("functionCall").Exists():
			// Unsigned calls inherit the most recent thinking signature
			// so replayed tool ids can still carry one back.
			if sig == "" {
				sig = lastSig
			}
			if sig != "" {
				sigs.PutTool(part.Get("functionCall.id").String(), sig)
			}
		}
		return true
	})
}

// EncodeToolID embeds a signature into a tool id so clients that replay
// ids verbatim carry the signature back on the next turn.
func EncodeToolID(id, signature string) string {
	if signature == "" || signature == SignatureSentinel {
		return id
	}
	return id + "__sig__" + signature
}

// MergeEvents folds a collected stream of upstream events into one
// response: adjacent parts of the same kind are coalesced, the last
// finishReason wins, and the last usage snapshot is kept.
func MergeEvents(events [][]byte) []byte {
	out := `{"candidates":[{"content":{"role":"model","parts":[]},"index":0}]}`
	parts := `[]`
	lastKind := "" // "text" | "thought" | ""
	pending := ""
	blockSig := ""

	flush := func() {
		if lastKind == "" {
			return
		}
		part := `{}`
		if lastKind == "thought" {
			part, _ = sjson.Set(part, "thought", true)
		}
		if blockSig != "" {
			part, _ = sjson.Set(part, "thoughtSignature", blockSig)
		}
		part, _ = sjson.Set(part, "text", pending)
		parts, _ = sjson.SetRaw(parts, "-1", part)
		lastKind = ""
		pending = ""
		blockSig = ""
	}

	for _, raw := range events {
		event := UnwrapEvent(raw)
		if reason := gjson.GetBytes(event, "candidates.0.finishReason"); reason.Exists() {
			out, _ = sjson.Set(out, "candidates.0.finishReason", reason.String())
		}
		if usage := gjson.GetBytes(event, "usageMetadata"); usage.Exists() {
			out, _ = sjson.SetRaw(out, "usageMetadata", usage.Raw)
		}
		if version := gjson.GetBytes(event, "modelVersion"); version.Exists() {
			out, _ = sjson.Set(out, "modelVersion", version.String())
		}
		gjson.GetBytes(event, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Get("text").Exists():
				kind := "text"
				if part.Get("thought").Bool() {
					kind = "thought"
				}
				if lastKind != "" && lastKind != kind {
					flush()
				}
				lastKind = kind
				pending += part.Get("text").String()
				// Later sig-less deltas must not erase a block's signature.
				if sig := part.Get("thoughtSignature").String(); sig != "" {
					blockSig = sig
				}
			default:
				flush()
				parts, _ = sjson.SetRaw(parts, "-1", part.Raw)
			}
			return true
		})
	}
	flush()

	out, _ = sjson.SetRaw(out, "candidates.0.content.parts", parts)
	return []byte(out)
}

// IsEmptyResponse reports whether a merged response carries no visible
// output at all: no text, no tool call, no inline data.
func IsEmptyResponse(merged []byte) bool {
	empty := true
	gjson.GetBytes(merged, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			return true
		}
		if part.Get("text").String() != "" || part.Get("functionCall").Exists() || part.Get("inlineData").Exists() {
			empty = false
			return false
		}
		return true
	})
	return empty
}

// mapFinishReason translates an upstream finish reason into the OpenAI and
// Anthropic vocabularies.
func mapFinishReason(reason string, sawToolCall bool) (openai, claude string) {
	switch reason {
	case "MAX_TOKENS":
		return "length", "max_tokens"
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return "content_filter", "end_turn"
	}
	if sawToolCall {
		return "tool_calls", "tool_use"
	}
	return "stop", "end_turn"
}
