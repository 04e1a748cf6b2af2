package auth

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Tiered backoff applied when every other credential is already exhausted
// for the model: the streak index picks the tier, capped at the last entry.
var exhaustedTiers = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// Default cooldowns by error classification.
const (
	cooldownRateLimit   = 30 * time.Second
	cooldownQuota       = time.Hour
	cooldown429Fallback = 60 * time.Second
	cooldownServerError = 20 * time.Second
)

var (
	rateLimitTextRe = regexp.MustCompile(`(?i)rate limit|rpm|per minute|qps`)
	quotaTextRe     = regexp.MustCompile(`(?i)quota`)

	resetSecondsRe = regexp.MustCompile(`(?i)(?:reset|retry)\s+(?:after|in)\s+(\d+(?:\.\d+)?)\s*s`)
	resetMinHourRe = regexp.MustCompile(`(?i)in\s+(\d+(?:\.\d+)?)\s*([mh])`)
)

// ParseCooldownHint extracts an absolute retry instant from an upstream
// error response. Sources are tried in priority order: the Retry-After
// header, the google.rpc RetryInfo retryDelay, the ErrorInfo metadata
// quotaResetTimeStamp / quotaResetDelay fields, and finally free-text
// patterns in the error message. Returns the zero time when nothing parses.
func ParseCooldownHint(headers http.Header, body []byte, now time.Time) time.Time {
	if headers != nil {
		if raw := headers.Get("Retry-After"); raw != "" {
			if seconds, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && seconds > 0 {
				return now.Add(time.Duration(seconds) * time.Second)
			}
			if at, err := http.ParseTime(raw); err == nil && at.After(now) {
				return at
			}
		}
	}

	root := gjson.ParseBytes(body)
	var hint time.Time
	root.Get("error.details").ForEach(func(_, detail gjson.Result) bool {
		kind := detail.Get("@type").String()
		switch {
		case strings.HasSuffix(kind, "RetryInfo"):
			if d, ok := parseDurationString(detail.Get("retryDelay").String()); ok {
				hint = now.Add(d)
				return false
			}
		case strings.HasSuffix(kind, "ErrorInfo"):
			meta := detail.Get("metadata")
			if raw := meta.Get("quotaResetTimeStamp").String(); raw != "" {
				if at, err := time.Parse(time.RFC3339, raw); err == nil {
					hint = at
					return false
				}
			}
			if d, ok := parseDurationString(meta.Get("quotaResetDelay").String()); ok {
				hint = now.Add(d)
				return false
			}
		}
		return true
	})
	if !hint.IsZero() {
		return hint
	}

	message := root.Get("error.message").String()
	if message == "" {
		message = string(body)
	}
	if groups := resetSecondsRe.FindStringSubmatch(message); groups != nil {
		if seconds, err := strconv.ParseFloat(groups[1], 64); err == nil {
			return now.Add(time.Duration(seconds * float64(time.Second)))
		}
	}
	if groups := resetMinHourRe.FindStringSubmatch(message); groups != nil {
		if amount, err := strconv.ParseFloat(groups[1], 64); err == nil {
			unit := time.Minute
			if groups[2] == "h" || groups[2] == "H" {
				unit = time.Hour
			}
			return now.Add(time.Duration(amount * float64(unit)))
		}
	}
	return time.Time{}
}

// parseDurationString handles Google RPC duration strings such as
// "1h16m0.667s" or "200ms".
func parseDurationString(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// Classify429 returns the default cooldown for a 429 whose payload carried
// no parseable hint, based on the error text.
func Classify429(body []byte) time.Duration {
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = string(body)
	}
	switch {
	case rateLimitTextRe.MatchString(message):
		return cooldownRateLimit
	case quotaTextRe.MatchString(message):
		return cooldownQuota
	default:
		return cooldown429Fallback
	}
}

// IsCapacityExhausted reports whether the 429 payload signals the model
// capacity condition, which must never be retried on the same credential.
func IsCapacityExhausted(body []byte) bool {
	if strings.Contains(string(body), "MODEL_CAPACITY_EXHAUSTED") {
		return true
	}
	status := gjson.GetBytes(body, "error.status").String()
	return status == "MODEL_CAPACITY_EXHAUSTED"
}

// exhaustedBackoff returns the tiered cooldown for the given consecutive
// all-exhausted streak (1-based).
func exhaustedBackoff(streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	if streak > len(exhaustedTiers) {
		streak = len(exhaustedTiers)
	}
	return exhaustedTiers[streak-1]
}
