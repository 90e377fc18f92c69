package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RateLimitWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	fake := time.Unix(1700000000, 0)
	m.now = func() time.Time { return fake }

	key := RateLimitKey("app_1", "resource_1", "")
	for i := 0; i < 3; i++ {
		res, err := m.CheckAndIncrRateLimit(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := m.CheckAndIncrRateLimit(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "fourth request within the window must be denied")

	fake = fake.Add(61 * time.Second)
	res, err = m.CheckAndIncrRateLimit(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a new window must reset the counter")
}

func TestMemory_RateLimitConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := RateLimitKey("app_1", "", "")

	var wg sync.WaitGroup
	allowed := make([]bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.CheckAndIncrRateLimit(ctx, key, 10, time.Minute)
			require.NoError(t, err)
			allowed[i] = res.Allowed
		}(i)
	}
	wg.Wait()

	count := 0
	for _, a := range allowed {
		if a {
			count++
		}
	}
	assert.Equal(t, 10, count, "exactly the limit must be allowed under concurrent access")
}

func TestMemory_BudgetConditionalIncrement(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	key := BudgetKey("app_1", PeriodDaily)

	for i := 0; i < 5; i++ {
		res, err := m.CheckAndIncrBudget(ctx, key, 5, PeriodDaily, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := m.CheckAndIncrBudget(ctx, key, 5, PeriodDaily, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 5, res.Used, "a denied increment must not change the used count")
}

func TestMemory_BudgetResetsAtPeriodBoundary(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := BudgetKey("app_1", PeriodDaily)

	day1 := time.Date(2026, 1, 15, 23, 59, 0, 0, time.UTC)
	res, err := m.CheckAndIncrBudget(ctx, key, 1, PeriodDaily, day1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = m.CheckAndIncrBudget(ctx, key, 1, PeriodDaily, day1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	day2 := time.Date(2026, 1, 16, 0, 1, 0, 0, time.UTC)
	res, err = m.CheckAndIncrBudget(ctx, key, 1, PeriodDaily, day2)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "crossing midnight must start a fresh budget period")
}

func TestMemory_TokenUsageAccumulates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := TokenUsageKey("app_1", "resource_1", "gpt-4o", time.Unix(1700000000, 0))

	require.NoError(t, m.RecordTokenUsage(ctx, key, 10, 20, 30))
	require.NoError(t, m.RecordTokenUsage(ctx, key, 5, 5, 10))

	in, out, total := m.TokenUsage(key)
	assert.Equal(t, 15, in)
	assert.Equal(t, 25, out)
	assert.Equal(t, 40, total)
}

func TestPeriodEnd_Monthly(t *testing.T) {
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	end := periodEnd(now, PeriodMonthly)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestRateLimitKey_Specificity(t *testing.T) {
	assert.Equal(t, "rl:app_1", RateLimitKey("app_1", "", ""))
	assert.Equal(t, "rl:app_1:res_1", RateLimitKey("app_1", "res_1", ""))
	assert.Equal(t, "rl:app_1:res_1:chat", RateLimitKey("app_1", "res_1", "chat"))
}
