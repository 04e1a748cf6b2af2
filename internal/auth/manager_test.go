package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(nil, false, nil, nil)
}

func addCredential(t *testing.T, m *Manager, name string, lastSuccess time.Time) {
	t.Helper()
	require.NoError(t, m.Upsert(&Credential{
		Name:        name,
		Kind:        KindAntigravity,
		AccessToken: "tok-" + name,
	}))
	m.mu.Lock()
	m.entries[entryKey(KindAntigravity, name)].state.LastSuccess = lastSuccess
	m.mu.Unlock()
}

func TestPickPrefersLeastRecentlySuccessful(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()
	addCredential(t, m, "beta", now.Add(-time.Minute))
	addCredential(t, m, "alpha", now.Add(-time.Hour))

	cred := m.Pick(context.Background(), KindAntigravity, "claude-sonnet-4-5")
	require.NotNil(t, cred)
	assert.Equal(t, "alpha", cred.Name)
}

func TestPickSkipsDisabledAndCooled(t *testing.T) {
	m := newTestManager(t)
	addCredential(t, m, "alpha", time.Time{})
	addCredential(t, m, "beta", time.Time{})

	m.SetDisabled(KindAntigravity, "alpha", true, "manual", false)
	m.ApplyCooldown(KindAntigravity, "beta", "claude-sonnet-4-5", time.Minute)

	assert.Nil(t, m.pickOnce(KindAntigravity, "claude-sonnet-4-5"))

	// beta remains usable for other models.
	cred := m.pickOnce(KindAntigravity, "gemini-3-flash")
	require.NotNil(t, cred)
	assert.Equal(t, "beta", cred.Name)
}

func TestPickStarvationReliefWaitsForCooldown(t *testing.T) {
	m := newTestManager(t)
	m.SetMaxWait(2 * time.Second)
	addCredential(t, m, "alpha", time.Time{})
	addCredential(t, m, "beta", time.Time{})
	m.ApplyCooldown(KindAntigravity, "alpha", "m", 300*time.Millisecond)
	m.ApplyCooldown(KindAntigravity, "beta", "m", 900*time.Millisecond)

	start := time.Now()
	cred := m.Pick(context.Background(), KindAntigravity, "m")
	require.NotNil(t, cred)
	assert.Equal(t, "alpha", cred.Name)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPickAnyModelFallback(t *testing.T) {
	m := newTestManager(t)
	m.SetMaxWait(50 * time.Millisecond)
	addCredential(t, m, "alpha", time.Time{})
	m.ApplyCooldown(KindAntigravity, "alpha", "m", time.Hour)

	// Cooldown is too far out to wait; the model constraint is dropped.
	cred := m.Pick(context.Background(), KindAntigravity, "m")
	require.NotNil(t, cred)
	assert.Equal(t, "alpha", cred.Name)
}

func TestRecordFailureParsesHint(t *testing.T) {
	m := newTestManager(t)
	addCredential(t, m, "alpha", time.Time{})

	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","metadata":{"quotaResetTimeStamp":"2026-01-17T12:00:00Z"}}]}}`)
	until := m.RecordFailure(KindAntigravity, "alpha", "m", 429, nil, body, false)
	want, _ := time.Parse(time.RFC3339, "2026-01-17T12:00:00Z")
	assert.WithinDuration(t, want, until, time.Second)

	state := m.State(KindAntigravity, "alpha")
	require.NotNil(t, state)
	assert.WithinDuration(t, want, state.ModelCooldowns["m"], time.Second)
}

func TestRecordFailureTieredBackoff(t *testing.T) {
	m := newTestManager(t)
	addCredential(t, m, "alpha", time.Time{})

	now := time.Now()
	until := m.RecordFailure(KindAntigravity, "alpha", "m", 429, nil, []byte(`{}`), true)
	assert.WithinDuration(t, now.Add(60*time.Second), until, 2*time.Second)

	until = m.RecordFailure(KindAntigravity, "alpha", "m", 429, nil, []byte(`{}`), true)
	assert.WithinDuration(t, now.Add(5*time.Minute), until, 2*time.Second)

	// Success resets the streak.
	m.RecordSuccess(KindAntigravity, "alpha", "m")
	until = m.RecordFailure(KindAntigravity, "alpha", "m", 429, nil, []byte(`{}`), true)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), until, 2*time.Second)
}

func TestRecordFailureClassifies429(t *testing.T) {
	m := newTestManager(t)
	addCredential(t, m, "alpha", time.Time{})

	until := m.RecordFailure(KindAntigravity, "alpha", "m", 429, nil, []byte(`{"error":{"message":"requests per minute"}}`), false)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), until, 2*time.Second)
}

func TestRecordFailureServerErrorShortCooldown(t *testing.T) {
	m := newTestManager(t)
	addCredential(t, m, "alpha", time.Time{})

	until := m.RecordFailure(KindAntigravity, "alpha", "m", 503, nil, []byte(`upstream sad`), false)
	assert.WithinDuration(t, time.Now().Add(20*time.Second), until, 2*time.Second)
}

func TestRecordFailureServerErrorHintWins(t *testing.T) {
	m := newTestManager(t)
	addCredential(t, m, "alpha", time.Time{})

	headers := http.Header{"Retry-After": []string{"90"}}
	until := m.RecordFailure(KindAntigravity, "alpha", "m", 503, headers, nil, false)
	assert.WithinDuration(t, time.Now().Add(90*time.Second), until, 2*time.Second)
}

func TestAutoBan(t *testing.T) {
	m := NewManager(nil, true, []int{403}, nil)
	addCredential(t, m, "alpha", time.Time{})

	m.RecordFailure(KindAntigravity, "alpha", "m", 403, nil, []byte(`forbidden`), false)
	state := m.State(KindAntigravity, "alpha")
	require.NotNil(t, state)
	assert.True(t, state.Disabled)
	assert.Equal(t, "auto_ban", state.DisabledReason)
	assert.Nil(t, m.pickOnce(KindAntigravity, ""))
}

func TestRecordSuccessResetsErrors(t *testing.T) {
	m := newTestManager(t)
	addCredential(t, m, "alpha", time.Time{})

	m.RecordFailure(KindAntigravity, "alpha", "m", 500, nil, nil, false)
	m.RecordSuccess(KindAntigravity, "alpha", "m")

	state := m.State(KindAntigravity, "alpha")
	require.NotNil(t, state)
	assert.Empty(t, state.ErrorCodes)
	assert.False(t, state.LastSuccess.IsZero())
}

func TestQuotaSnapshotRoundTrip(t *testing.T) {
	m := newTestManager(t)
	snapshot := &QuotaSnapshot{Remaining: 1.0, FetchedAt: time.Now()}
	m.SetQuota(KindAntigravity, "alpha/gemini-3-pro-high", snapshot)
	got := m.Quota(KindAntigravity, "alpha/gemini-3-pro-high")
	require.NotNil(t, got)
	assert.Equal(t, 1.0, got.Remaining)
	assert.Nil(t, m.Quota(KindAntigravity, "missing"))
}

func TestRecordFailureUnknownCredential(t *testing.T) {
	m := newTestManager(t)
	until := m.RecordFailure(KindAntigravity, "ghost", "m", 429, http.Header{}, nil, false)
	assert.True(t, until.IsZero())
}
