// Package tokenizer estimates request token counts and relieves context
// pressure before an envelope goes upstream: oversized tool results are
// compressed with head/tail preservation, and as a last resort whole turns
// are evicted oldest-first.
package tokenizer

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// fallbackCharsPerToken approximates when the encoding is unavailable.
	fallbackCharsPerToken = 4

	// Head/tail split for compressed tool results.
	compressHeadShare = 0.6

	// minKeepContents is the floor for smart truncation: the most recent
	// turns always survive so tool pairing cannot be cut mid-round.
	minKeepContents = 4

	truncationNotice = "[earlier conversation turns omitted to fit the context window]"
	omissionMarker   = "\n\n[... %d characters omitted ...]\n\n"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken

	base64BlobRe    = regexp.MustCompile(`[A-Za-z0-9+/=]{512,}`)
	htmlJunkRe      = regexp.MustCompile(`(?is)<(style|script|svg)\b.*?</(style|script|svg)>`)
	savedToFileRe   = regexp.MustCompile(`(?i)(output|content|result)s? (was |were |has been )?saved to (file )?[^\s]+`)
	snapshotLineRe  = regexp.MustCompile(`(?m)^\s*- [a-z]+ (".*")?( \[ref=[^\]]+\])?:?\s*$`)
	whitespaceRunRe = regexp.MustCompile(`\n{3,}`)
)

func enc() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warnf("tokenizer: encoding unavailable, using character estimate: %v", err)
			return
		}
		encoding = e
	})
	return encoding
}

// EstimateTokens returns the token count of a string, by encoding when
// available and by character heuristic otherwise.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + fallbackCharsPerToken - 1) / fallbackCharsPerToken
}

// EstimateEnvelope estimates the prompt tokens of an upstream envelope:
// all content text, the system instruction, and the serialized tools.
func EstimateEnvelope(envelope []byte) int {
	total := 0
	request := gjson.GetBytes(envelope, "request")
	request.Get("systemInstruction.parts").ForEach(func(_, part gjson.Result) bool {
		total += EstimateTokens(part.Get("text").String())
		return true
	})
	request.Get("contents").ForEach(func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Get("text").Exists():
				total += EstimateTokens(part.Get("text").String())
			case part.Get("functionCall").Exists():
				total += EstimateTokens(part.Get("functionCall").Raw)
			case part.Get("functionResponse").Exists():
				total += EstimateTokens(part.Get("functionResponse.response.output").String())
			case part.Get("inlineData").Exists():
				// Images bill roughly per tile; a flat estimate is close
				// enough for budget checks.
				total += 256
			}
			return true
		})
		return true
	})
	if tools := request.Get("tools"); tools.Exists() {
		total += EstimateTokens(tools.Raw)
	}
	return total
}

// CompressToolResult shrinks an oversized tool result to roughly limit
// characters. Structural junk goes first; what remains is cut to a head
// and a tail with an omission marker between them.
func CompressToolResult(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}

	out := htmlJunkRe.ReplaceAllString(text, "")
	out = base64BlobRe.ReplaceAllString(out, "[base64 data omitted]")
	out = savedToFileRe.ReplaceAllString(out, "[saved to file]")
	if isBrowserSnapshot(out) {
		out = compactSnapshot(out)
	}
	out = whitespaceRunRe.ReplaceAllString(out, "\n\n")
	if len(out) <= limit {
		return out
	}

	head := int(float64(limit) * compressHeadShare)
	tail := limit - head
	omitted := len(out) - head - tail
	marker := strings.Replace(omissionMarker, "%d", strconv.Itoa(omitted), 1)
	return out[:head] + marker + out[len(out)-tail:]
}

// isBrowserSnapshot detects accessibility-tree dumps from browser tools.
func isBrowserSnapshot(text string) bool {
	return strings.Contains(text, "[ref=") ||
		(strings.Contains(text, "- document") && snapshotLineRe.MatchString(text))
}

// compactSnapshot drops structural lines that carry no text content.
func compactSnapshot(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if snapshotLineRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// CompressEnvelope rewrites every functionResponse output above the limit.
func CompressEnvelope(envelope []byte, limit int) []byte {
	out := string(envelope)
	changed := false
	ci := 0
	gjson.GetBytes(envelope, "request.contents").ForEach(func(_, content gjson.Result) bool {
		pi := 0
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			output := part.Get("functionResponse.response.output")
			pi++
			if !output.Exists() || len(output.String()) <= limit {
				return true
			}
			path := "request.contents." + strconv.Itoa(ci) + ".parts." + strconv.Itoa(pi-1) + ".functionResponse.response.output"
			out, _ = sjson.Set(out, path, CompressToolResult(output.String(), limit))
			changed = true
			return true
		})
		ci++
		return true
	})
	if !changed {
		return envelope
	}
	return []byte(out)
}

// SmartTruncate evicts the oldest turns until the envelope estimate fits
// the budget. The system instruction and the most recent turns are never
// evicted; a notice part marks the cut. Tool rounds are evicted whole: an
// eviction that removes a functionCall also removes its response.
func SmartTruncate(envelope []byte, budget int) []byte {
	if budget <= 0 || EstimateEnvelope(envelope) <= budget {
		return envelope
	}

	contents := gjson.GetBytes(envelope, "request.contents").Array()
	drop := 0
	for drop < len(contents)-minKeepContents {
		trial := rebuildContents(envelope, contents, drop+1)
		drop++
		if EstimateEnvelope(trial) <= budget {
			return trial
		}
	}
	if drop == 0 {
		return envelope
	}
	return rebuildContents(envelope, contents, drop)
}

// rebuildContents drops the first n turns, prunes tool parts orphaned by
// the cut, and prepends the truncation notice.
func rebuildContents(envelope []byte, contents []gjson.Result, n int) []byte {
	if n >= len(contents) {
		n = len(contents) - 1
	}
	surviving := contents[n:]

	callIDs := make(map[string]bool)
	for _, content := range surviving {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if id := part.Get("functionCall.id").String(); id != "" {
				callIDs[id] = true
			}
			return true
		})
	}

	rebuilt := `[]`
	notice, _ := sjson.Set(`{"role":"user","parts":[{}]}`, "parts.0.text", truncationNotice)
	rebuilt, _ = sjson.SetRaw(rebuilt, "-1", notice)
	for _, content := range surviving {
		parts := `[]`
		kept := 0
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if id := part.Get("functionResponse.id").String(); id != "" && !callIDs[id] {
				return true
			}
			parts, _ = sjson.SetRaw(parts, "-1", part.Raw)
			kept++
			return true
		})
		if kept == 0 {
			continue
		}
		entry, _ := sjson.Set(`{}`, "role", content.Get("role").String())
		entry, _ = sjson.SetRaw(entry, "parts", parts)
		rebuilt, _ = sjson.SetRaw(rebuilt, "-1", entry)
	}
	out, _ := sjson.SetRawBytes(envelope, "request.contents", []byte(rebuilt))
	return out
}
