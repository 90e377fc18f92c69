package enforcement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthgate/gateway/pkg/adapter"
	"github.com/hearthgate/gateway/pkg/gwerr"
	"github.com/hearthgate/gateway/pkg/model"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }

func TestHasEnforceableConstraints(t *testing.T) {
	assert.False(t, HasEnforceableConstraints(nil))
	assert.False(t, HasEnforceableConstraints([]byte(`{}`)))
	assert.False(t, HasEnforceableConstraints([]byte(`{"allowTools":true}`)))
	assert.True(t, HasEnforceableConstraints([]byte(`{"allowedModels":["x"]}`)))
	assert.True(t, HasEnforceableConstraints([]byte(`{"allowTools":false}`)))
	assert.True(t, HasEnforceableConstraints([]byte(`{"maxOutputTokens":100}`)))
}

func TestEnforce_AllowedModels_PrefixEquivalence(t *testing.T) {
	p, err := DerivePolicy([]byte(`{"allowedModels":["gemini-1.5-flash"]}`))
	require.NoError(t, err)

	for _, model := range []string{"gemini-1.5-flash", "models/gemini-1.5-flash"} {
		err := Enforce(p, adapter.EnforcementFields{Model: strPtr(model)})
		assert.Nil(t, err, "model %q should be allowed", model)
	}

	err2 := Enforce(p, adapter.EnforcementFields{Model: strPtr("gpt-4o")})
	require.NotNil(t, err2)
	assert.Equal(t, gwerr.ErrModelNotAllowed, err2.Code)
}

func TestEnforce_AllowedModels_AbsentModelIsPolicyViolation(t *testing.T) {
	p, err := DerivePolicy([]byte(`{"allowedModels":["gpt-4o"]}`))
	require.NoError(t, err)

	got := Enforce(p, adapter.EnforcementFields{})
	require.NotNil(t, got)
	assert.Equal(t, gwerr.ErrPolicyViolation, got.Code)
}

func TestEnforce_MaxOutputTokens(t *testing.T) {
	p, err := DerivePolicy([]byte(`{"maxOutputTokens":1000}`))
	require.NoError(t, err)

	assert.Nil(t, Enforce(p, adapter.EnforcementFields{MaxOutputTokens: intPtr(500)}))

	got := Enforce(p, adapter.EnforcementFields{MaxOutputTokens: intPtr(5000)})
	require.NotNil(t, got)
	assert.Equal(t, gwerr.ErrMaxTokensExceeded, got.Code)
}

func TestEnforce_AllowToolsFalse_FailClosed(t *testing.T) {
	p, err := DerivePolicy([]byte(`{"allowTools":false}`))
	require.NoError(t, err)

	absent := Enforce(p, adapter.EnforcementFields{})
	require.NotNil(t, absent)
	assert.Equal(t, gwerr.ErrPolicyViolation, absent.Code)

	used := Enforce(p, adapter.EnforcementFields{UsesTools: boolPtr(true)})
	require.NotNil(t, used)
	assert.Equal(t, gwerr.ErrToolsNotAllowed, used.Code)

	assert.Nil(t, Enforce(p, adapter.EnforcementFields{UsesTools: boolPtr(false)}))
}

func TestEnforce_AllowStreamingFalse_FailClosed(t *testing.T) {
	p, err := DerivePolicy([]byte(`{"allowStreaming":false}`))
	require.NoError(t, err)

	absent := Enforce(p, adapter.EnforcementFields{})
	require.NotNil(t, absent)
	assert.Equal(t, gwerr.ErrPolicyViolation, absent.Code)

	streaming := Enforce(p, adapter.EnforcementFields{Stream: boolPtr(true)})
	require.NotNil(t, streaming)
	assert.Equal(t, gwerr.ErrStreamingNotAllowed, streaming.Code)
}

func TestTimeWindowValid_ValidFromExpiresAt(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.False(t, TimeWindowValid(&model.ResourcePermission{ValidFrom: &future}, now))
	assert.False(t, TimeWindowValid(&model.ResourcePermission{ExpiresAt: &past}, now))
	assert.True(t, TimeWindowValid(&model.ResourcePermission{ValidFrom: &past, ExpiresAt: &future}, now))
}

func TestTimeWindowValid_HourWindowWithOvernightWrap(t *testing.T) {
	perm := &model.ResourcePermission{
		TimeWindow: &model.TimeWindow{Timezone: "UTC", StartHour: 22, EndHour: 6},
	}
	assert.True(t, TimeWindowValid(perm, time.Date(2026, 1, 15, 23, 0, 0, 0, time.UTC)))
	assert.True(t, TimeWindowValid(perm, time.Date(2026, 1, 15, 2, 0, 0, 0, time.UTC)))
	assert.False(t, TimeWindowValid(perm, time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)))
}

func TestTimeWindowValid_AllowedDays(t *testing.T) {
	perm := &model.ResourcePermission{
		TimeWindow: &model.TimeWindow{Timezone: "UTC", StartHour: 0, EndHour: 24, AllowedDays: []int{1, 2, 3, 4, 5}},
	}
	monday := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 1, 17, 10, 0, 0, 0, time.UTC)
	assert.True(t, TimeWindowValid(perm, monday))
	assert.False(t, TimeWindowValid(perm, saturday))
}
