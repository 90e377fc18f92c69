// Package limiter implements the rate-limit, budget, and token-usage
// counters enforced on every gateway request, grounded in
// internal/auth/ratelimit.go's Redis INCR+EXPIRE pipeline, generalized from
// a single login-attempt counter to the full counter family the gateway
// needs.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Period is a budget accounting period.
type Period string

// Budget periods.
const (
	PeriodDaily   Period = "DAILY"
	PeriodMonthly Period = "MONTHLY"
)

// RateLimitResult is the outcome of a fixed-window rate-limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// BudgetResult is the outcome of a conditional budget increment.
type BudgetResult struct {
	Allowed bool
	Used    int
	Limit   int
}

// Store is the counter-store contract consumed by the enforcement pipeline.
type Store interface {
	// CheckAndIncrRateLimit increments the fixed-window counter for key and
	// reports whether the caller is still within limit (count<=limit after
	// increment). window is the fixed-window duration.
	CheckAndIncrRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)

	// CheckAndIncrBudget conditionally increments a period-scoped budget
	// counter: if used+1 > limit, it denies without incrementing.
	CheckAndIncrBudget(ctx context.Context, key string, limit int, period Period, now time.Time) (BudgetResult, error)

	// RecordTokenUsage increments the observational per-day token counters
	// for a (app, resource, model) triple. Not used for deny decisions.
	RecordTokenUsage(ctx context.Context, key string, inputTokens, outputTokens, totalTokens int) error
}

// RateLimitKey builds the rate-limit counter key, preferring the most
// specific match: (resourceId, action) > (resourceId, nil) > (nil, nil).
func RateLimitKey(appID, resourceID, action string) string {
	if resourceID == "" {
		return fmt.Sprintf("rl:%s", appID)
	}
	if action == "" {
		return fmt.Sprintf("rl:%s:%s", appID, resourceID)
	}
	return fmt.Sprintf("rl:%s:%s:%s", appID, resourceID, action)
}

// ModelRateLimitKey builds the per-model rate-limit counter key.
func ModelRateLimitKey(appID, resourceID, action, model string) string {
	return fmt.Sprintf("rlm:%s:%s:%s:%s", appID, resourceID, action, model)
}

// BudgetKey builds the budget counter key.
func BudgetKey(appID string, period Period) string {
	return fmt.Sprintf("bud:%s:%s", appID, period)
}

// TokenUsageKey builds the observational per-day token usage counter key.
func TokenUsageKey(appID, resourceID, model string, day time.Time) string {
	return fmt.Sprintf("tok:%s:%s:%s:%s", appID, resourceID, model, day.Format("20060102"))
}

// Default limits applied when a permission carries no explicit configuration.
const (
	DefaultRateLimitRequests   = 60
	DefaultRateLimitWindowSecs = 60
	DefaultDailyBudget         = 1000
)

// --- in-memory implementation -------------------------------------------

type windowCounter struct {
	count      int
	windowEnds time.Time
}

type budgetCounter struct {
	used        int
	periodEnds  time.Time
}

// Memory is a mutex-guarded, single-node Store suitable for a single-process
// deployment or for tests; it trades multi-node correctness for simplicity.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*windowCounter
	budgets map[string]*budgetCounter
	tokens  map[string][3]int
	now     func() time.Time
}

// NewMemory creates an empty in-memory counter store.
func NewMemory() *Memory {
	return &Memory{
		windows: make(map[string]*windowCounter),
		budgets: make(map[string]*budgetCounter),
		tokens:  make(map[string][3]int),
		now:     time.Now,
	}
}

// CheckAndIncrRateLimit implements Store.
func (m *Memory) CheckAndIncrRateLimit(_ context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.windowEnds) {
		w = &windowCounter{count: 0, windowEnds: now.Add(window)}
		m.windows[key] = w
	}
	w.count++

	if w.count > limit {
		return RateLimitResult{Allowed: false, Remaining: 0, ResetAt: w.windowEnds}, nil
	}
	return RateLimitResult{Allowed: true, Remaining: limit - w.count, ResetAt: w.windowEnds}, nil
}

// CheckAndIncrBudget implements Store.
func (m *Memory) CheckAndIncrBudget(_ context.Context, key string, limit int, period Period, now time.Time) (BudgetResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.budgets[key]
	if !ok || !now.Before(b.periodEnds) {
		b = &budgetCounter{used: 0, periodEnds: periodEnd(now, period)}
		m.budgets[key] = b
	}

	if b.used+1 > limit {
		return BudgetResult{Allowed: false, Used: b.used, Limit: limit}, nil
	}
	b.used++
	return BudgetResult{Allowed: true, Used: b.used, Limit: limit}, nil
}

// RecordTokenUsage implements Store.
func (m *Memory) RecordTokenUsage(_ context.Context, key string, inputTokens, outputTokens, totalTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.tokens[key]
	m.tokens[key] = [3]int{cur[0] + inputTokens, cur[1] + outputTokens, cur[2] + totalTokens}
	return nil
}

// TokenUsage returns the accumulated (inputTokens, outputTokens,
// totalTokens) for a key; used by tests and the observational reporting path.
func (m *Memory) TokenUsage(key string) (input, output, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.tokens[key]
	return v[0], v[1], v[2]
}

func periodEnd(now time.Time, period Period) time.Time {
	y, mo, d := now.Date()
	switch period {
	case PeriodMonthly:
		return time.Date(y, mo+1, 1, 0, 0, 0, 0, now.Location())
	default:
		return time.Date(y, mo, d+1, 0, 0, 0, 0, now.Location())
	}
}
