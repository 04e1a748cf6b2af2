package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCooldownHintRetryAfterSeconds(t *testing.T) {
	now := time.Now()
	headers := http.Header{}
	headers.Set("Retry-After", "42")
	until := ParseCooldownHint(headers, nil, now)
	require.False(t, until.IsZero())
	assert.WithinDuration(t, now.Add(42*time.Second), until, time.Second)
}

func TestParseCooldownHintRetryInfo(t *testing.T) {
	now := time.Now()
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"1h16m0.667s"}]}}`)
	until := ParseCooldownHint(nil, body, now)
	require.False(t, until.IsZero())
	assert.WithinDuration(t, now.Add(time.Hour+16*time.Minute), until, 2*time.Second)
}

func TestParseCooldownHintQuotaResetTimestamp(t *testing.T) {
	now := time.Now()
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","metadata":{"quotaResetTimeStamp":"2026-01-17T12:00:00Z"}}]}}`)
	until := ParseCooldownHint(nil, body, now)
	want, _ := time.Parse(time.RFC3339, "2026-01-17T12:00:00Z")
	assert.WithinDuration(t, want, until, time.Second)
}

func TestParseCooldownHintQuotaResetDelay(t *testing.T) {
	now := time.Now()
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","metadata":{"quotaResetDelay":"200ms"}}]}}`)
	until := ParseCooldownHint(nil, body, now)
	assert.WithinDuration(t, now.Add(200*time.Millisecond), until, time.Second)
}

func TestParseCooldownHintMessageFallback(t *testing.T) {
	now := time.Now()
	body := []byte(`{"error":{"message":"Please retry in 30 s"}}`)
	until := ParseCooldownHint(nil, body, now)
	assert.WithinDuration(t, now.Add(30*time.Second), until, time.Second)

	body = []byte(`{"error":{"message":"quota resets in 2 h"}}`)
	until = ParseCooldownHint(nil, body, now)
	assert.WithinDuration(t, now.Add(2*time.Hour), until, time.Second)
}

func TestParseCooldownHintUnparseable(t *testing.T) {
	until := ParseCooldownHint(nil, []byte(`{"error":{"message":"nope"}}`), time.Now())
	assert.True(t, until.IsZero())
}

func TestClassify429(t *testing.T) {
	assert.Equal(t, cooldownRateLimit, Classify429([]byte(`{"error":{"message":"rate limit exceeded (rpm)"}}`)))
	assert.Equal(t, cooldownQuota, Classify429([]byte(`{"error":{"message":"Quota exceeded for model"}}`)))
	assert.Equal(t, cooldown429Fallback, Classify429([]byte(`{"error":{"message":"slow down"}}`)))
}

func TestIsCapacityExhausted(t *testing.T) {
	assert.True(t, IsCapacityExhausted([]byte(`{"error":{"status":"MODEL_CAPACITY_EXHAUSTED"}}`)))
	assert.True(t, IsCapacityExhausted([]byte(`model MODEL_CAPACITY_EXHAUSTED right now`)))
	assert.False(t, IsCapacityExhausted([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`)))
}

func TestExhaustedBackoffTiers(t *testing.T) {
	assert.Equal(t, 60*time.Second, exhaustedBackoff(1))
	assert.Equal(t, 5*time.Minute, exhaustedBackoff(2))
	assert.Equal(t, 30*time.Minute, exhaustedBackoff(3))
	assert.Equal(t, 2*time.Hour, exhaustedBackoff(4))
	assert.Equal(t, 2*time.Hour, exhaustedBackoff(9))
}
