// Package antigravity converts the three inbound dialects (OpenAI Chat
// Completions, Anthropic Messages, native Gemini) into the single
// Antigravity upstream envelope, and projects upstream responses back into
// each dialect. All conversion happens on raw JSON via gjson/sjson.
//
// The upstream envelope is:
//
//	{"model": "...", "request": {"contents": [...], "systemInstruction": {...},
//	 "tools": [...], "toolConfig": {...}, "generationConfig": {...}}}
//
// with the executor adding project and session_id before dispatch.
package antigravity

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Prologue is injected ahead of any client system prompt; the upstream
// rejects agent requests that do not carry it.
const Prologue = "You are an agent running inside the Antigravity editor harness. Follow the user's instructions and use the provided tools when appropriate."

// SignatureSentinel bypasses upstream signature validation for replayed
// function calls whose real signature is unrecoverable.
const SignatureSentinel = "skip_thought_signature_validator"

// partAllowList enumerates the only keys an outgoing Part may carry.
var partAllowList = map[string]bool{
	"text":             true,
	"inlineData":       true,
	"fileData":         true,
	"functionCall":     true,
	"functionResponse": true,
	"thought":          true,
	"thoughtSignature": true,
}

// SanitizeContents rewrites request.contents in-place: every part is
// filtered through the allow-list, text parts are right-trimmed,
// whitespace-only text parts are dropped, and messages left with no parts
// are dropped entirely.
func SanitizeContents(body []byte) []byte {
	contents := gjson.GetBytes(body, "request.contents")
	if !contents.IsArray() {
		return body
	}

	cleaned := `[]`
	contents.ForEach(func(_, content gjson.Result) bool {
		role := content.Get("role").String()
		parts := content.Get("parts")
		outParts := `[]`
		kept := 0
		parts.ForEach(func(_, part gjson.Result) bool {
			filtered := filterPart(part)
			if filtered == "" {
				return true
			}
			outParts, _ = sjson.SetRaw(outParts, "-1", filtered)
			kept++
			return true
		})
		if kept == 0 {
			return true
		}
		entry := `{}`
		entry, _ = sjson.Set(entry, "role", role)
		entry, _ = sjson.SetRaw(entry, "parts", outParts)
		cleaned, _ = sjson.SetRaw(cleaned, "-1", entry)
		return true
	})

	out, _ := sjson.SetRawBytes(body, "request.contents", []byte(cleaned))
	return out
}

// filterPart returns the allow-listed rendering of a part, or "" when the
// part carries nothing worth sending.
func filterPart(part gjson.Result) string {
	out := `{}`
	hasPayload := false
	isThought := part.Get("thought").Bool()

	part.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if !partAllowList[name] {
			return true
		}
		if name == "text" {
			text := strings.TrimRight(value.String(), " \t\r\n")
			if text == "" && !isThought {
				return true
			}
			out, _ = sjson.Set(out, "text", text)
			hasPayload = true
			return true
		}
		out, _ = sjson.SetRaw(out, name, value.Raw)
		if name != "thought" && name != "thoughtSignature" {
			hasPayload = true
		}
		return true
	})

	if !hasPayload {
		return ""
	}
	return out
}

// RepairToolPairs drops half-paired tool traffic from request.contents: a
// functionResponse whose id was never produced by a functionCall is
// removed, and a functionCall with no later functionResponse is replaced
// in-place by a placeholder text part. The upstream 400s on either
// half-pair.
func RepairToolPairs(body []byte) []byte {
	contents := gjson.GetBytes(body, "request.contents")
	if !contents.IsArray() {
		return body
	}

	callIDs := make(map[string]bool)
	responseIDs := make(map[string]bool)
	contents.ForEach(func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if id := part.Get("functionCall.id").String(); id != "" {
				callIDs[id] = true
			}
			if id := part.Get("functionResponse.id").String(); id != "" {
				responseIDs[id] = true
			}
			return true
		})
		return true
	})

	rebuilt := `[]`
	changed := false
	contents.ForEach(func(_, content gjson.Result) bool {
		role := content.Get("role").String()
		outParts := `[]`
		kept := 0
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if id := part.Get("functionResponse.id").String(); id != "" && !callIDs[id] {
				// Orphan result: drop it.
				changed = true
				return true
			}
			if id := part.Get("functionCall.id").String(); id != "" && !responseIDs[id] {
				// Orphan call: keep the position but neutralize the part.
				changed = true
				outParts, _ = sjson.SetRaw(outParts, "-1", `{"text":"..."}`)
				kept++
				return true
			}
			outParts, _ = sjson.SetRaw(outParts, "-1", part.Raw)
			kept++
			return true
		})
		if kept == 0 {
			changed = true
			return true
		}
		entry := `{}`
		entry, _ = sjson.Set(entry, "role", role)
		entry, _ = sjson.SetRaw(entry, "parts", outParts)
		rebuilt, _ = sjson.SetRaw(rebuilt, "-1", entry)
		return true
	})

	if !changed {
		return body
	}
	out, _ := sjson.SetRawBytes(body, "request.contents", []byte(rebuilt))
	return out
}

// DecodeToolID splits the encoded "toolu_<id>__sig__<hex>" format into the
// plain tool id and its embedded signature.
func DecodeToolID(encoded string) (id, signature string) {
	idx := strings.Index(encoded, "__sig__")
	if idx < 0 {
		return encoded, ""
	}
	return encoded[:idx], encoded[idx+len("__sig__"):]
}
