// Package runtime drives a translated request to completion: credential
// selection, upstream execution, retry pacing, BaseURL failover, and
// fallback-chain rollover.
package runtime

import (
	"fmt"

	"github.com/tidwall/sjson"
)

// Machine-readable tags carried on gateway errors so clients and logs can
// distinguish failure classes without parsing prose.
const (
	TagQuotaExhausted = "QUOTA_EXHAUSTED"
	TagRateLimited    = "RATE_LIMITED"
	TagNoCredential   = "NO_CREDENTIAL"
	TagStall          = "STALL"
	TagUpstream       = "UPSTREAM_ERROR"
	TagBadRequest     = "BAD_REQUEST"
)

// Error is the terminal failure of a dispatch: the status to surface, a
// machine tag, and the last upstream body when one exists.
type Error struct {
	StatusCode int
	Tag        string
	Message    string
	Upstream   []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Tag, e.StatusCode, e.Message)
}

// NewError builds a dispatch error.
func NewError(status int, tag, message string) *Error {
	return &Error{StatusCode: status, Tag: tag, Message: message}
}

// Body renders the error as an OpenAI-style error document; all three
// dialects accept this shape well enough for error paths.
func (e *Error) Body() []byte {
	out := `{"error":{}}`
	out, _ = sjson.Set(out, "error.message", e.Message)
	out, _ = sjson.Set(out, "error.type", e.Tag)
	out, _ = sjson.Set(out, "error.code", e.StatusCode)
	return []byte(out)
}
