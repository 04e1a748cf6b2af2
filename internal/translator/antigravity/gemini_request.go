package antigravity

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agproxy/agproxy/internal/registry"
)

// ConvertGeminiRequest wraps a native Gemini generateContent body into the
// upstream envelope. The dialect already matches the upstream request
// shape, so conversion is normalization rather than restructuring.
func ConvertGeminiRequest(res registry.Resolution, rawJSON []byte, opts Options) []byte {
	root := gjson.ParseBytes(rawJSON)
	resolver := newSignatureResolver(opts.Sigs, opts.Conv)

	out := `{"model":"","request":{"contents":[]}}`
	out, _ = sjson.Set(out, "model", res.Model)

	if contents := root.Get("contents"); contents.IsArray() {
		out, _ = sjson.SetRaw(out, "request.contents", contents.Raw)
	}
	out = restoreGeminiSignatures(out, resolver)

	// Both field spellings appear in the wild.
	system := root.Get("systemInstruction")
	if !system.Exists() {
		system = root.Get("system_instruction")
	}
	out = injectSystemPrompt(out, flattenGeminiSystem(system), opts.CompatibilityMode)

	if tools := root.Get("tools"); tools.IsArray() {
		out, _ = sjson.SetRaw(out, "request.tools", cleanGeminiTools(tools))
	}
	if choice := root.Get("toolConfig"); choice.Exists() {
		out, _ = sjson.SetRaw(out, "request.toolConfig", choice.Raw)
	}
	if gen := root.Get("generationConfig"); gen.Exists() {
		out, _ = sjson.SetRaw(out, "request.generationConfig", gen.Raw)
	}
	if safety := root.Get("safetySettings"); safety.IsArray() {
		out, _ = sjson.SetRaw(out, "request.safetySettings", safety.Raw)
	}

	maxTokens := gjson.Get(out, "request.generationConfig.maxOutputTokens").Int()
	if !gjson.Get(out, "request.generationConfig.thinkingConfig").Exists() {
		out = applyModelConfig(out, res, maxTokens)
	} else if res.ImageGen {
		out = applyModelConfig(out, registry.Resolution{Model: res.Model, ImageGen: true,
			AspectRatio: res.AspectRatio, Resolution: res.Resolution}, maxTokens)
	}

	body := []byte(out)
	body = SanitizeContents(body)
	body = RepairToolPairs(body)
	return body
}

// restoreGeminiSignatures walks replayed model turns and fills missing
// thoughtSignature fields on thought and functionCall parts.
func restoreGeminiSignatures(out string, resolver *signatureResolver) string {
	contents := gjson.Get(out, "request.contents")
	if !contents.IsArray() {
		return out
	}
	ci := 0
	contents.ForEach(func(_, content gjson.Result) bool {
		pi := 0
		isModel := content.Get("role").String() == "model"
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			path := "request.contents." + strconv.Itoa(ci) + ".parts." + strconv.Itoa(pi)
			pi++
			sig := part.Get("thoughtSignature").String()
			resolver.observe(sig)
			if !isModel || sig != "" {
				return true
			}
			switch {
			case part.Get("thought").Bool():
				if recovered := resolver.forThinking("", part.Get("text").String()); recovered != "" {
					out, _ = sjson.Set(out, path+".thoughtSignature", recovered)
				}
			case part.Get("functionCall").Exists():
				id, recovered := resolver.forToolCall(part.Get("functionCall.id").String(), "")
				out, _ = sjson.Set(out, path+".functionCall.id", id)
				out, _ = sjson.Set(out, path+".thoughtSignature", recovered)
			}
			return true
		})
		ci++
		return true
	})
	return out
}

// flattenGeminiSystem renders systemInstruction (a Content or bare string)
// as text.
func flattenGeminiSystem(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	var out string
	system.Get("parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text").String(); text != "" {
			if out != "" {
				out += "\n\n"
			}
			out += text
		}
		return true
	})
	return out
}

// cleanGeminiTools runs every functionDeclarations parameters schema
// through the upstream schema cleaner, leaving other tool kinds untouched.
func cleanGeminiTools(tools gjson.Result) string {
	out := `[]`
	tools.ForEach(func(_, tool gjson.Result) bool {
		entry := tool.Raw
		decls := tool.Get("functionDeclarations")
		if decls.IsArray() {
			di := 0
			decls.ForEach(func(_, decl gjson.Result) bool {
				if params := decl.Get("parameters"); params.Exists() {
					entry, _ = sjson.SetRaw(entry, "functionDeclarations."+strconv.Itoa(di)+".parameters",
						string(CleanToolSchema([]byte(params.Raw))))
				}
				di++
				return true
			})
		}
		out, _ = sjson.SetRaw(out, "-1", entry)
		return true
	})
	return out
}
