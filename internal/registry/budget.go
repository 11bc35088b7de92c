package registry

import (
	"fmt"
	"time"

	"github.com/lodestar-ai/lodestar/internal/events"
	"github.com/lodestar-ai/lodestar/internal/types"
)

func validateBudget(b types.Budget) error {
	if b.Provider == "" {
		return &types.InvalidBudgetError{Provider: b.Provider, Reason: "provider id is required"}
	}
	if b.DailyLimit < 0 {
		return &types.InvalidBudgetError{Provider: b.Provider, Reason: "daily limit must be non-negative"}
	}
	if b.MonthlyLimit < 0 {
		return &types.InvalidBudgetError{Provider: b.Provider, Reason: "monthly limit must be non-negative"}
	}

	prev := 0.0
	for _, t := range b.AlertThresholds {
		if t <= 0 || t >= 1 {
			return &types.InvalidBudgetError{Provider: b.Provider, Reason: fmt.Sprintf("alert threshold %.3f out of range (0, 1)", t)}
		}
		if t <= prev {
			return &types.InvalidBudgetError{Provider: b.Provider, Reason: "alert thresholds must be strictly increasing"}
		}
		prev = t
	}
	return nil
}

// usageAccumulator holds the raw counters behind types.UsageStats.
// Response times are averaged incrementally so we never retain the
// full sample set.
type usageAccumulator struct {
	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	totalTokensUsed     int64
	totalCost           float64
	averageResponseTime time.Duration

	dailyUsage   map[string]int64
	monthlyUsage map[string]int64
	dailySpend   map[string]float64
	monthlySpend map[string]float64
}

func newUsageAccumulator() usageAccumulator {
	return usageAccumulator{
		dailyUsage:   make(map[string]int64),
		monthlyUsage: make(map[string]int64),
		dailySpend:   make(map[string]float64),
		monthlySpend: make(map[string]float64),
	}
}

func (u *usageAccumulator) record(now time.Time, cost float64, tokens int64, duration time.Duration, success bool) {
	u.totalRequests++
	if success {
		u.successfulRequests++
	} else {
		u.failedRequests++
	}
	u.totalTokensUsed += tokens
	u.totalCost += cost

	// Incremental mean keeps the average exact without storing samples.
	u.averageResponseTime += (duration - u.averageResponseTime) / time.Duration(u.totalRequests)

	day := types.DayKey(now)
	month := types.MonthKey(now)
	u.dailyUsage[day]++
	u.monthlyUsage[month]++
	u.dailySpend[day] += cost
	u.monthlySpend[month] += cost
}

func (u *usageAccumulator) snapshot(id string) types.UsageStats {
	return types.UsageStats{
		Provider:            id,
		TotalRequests:       u.totalRequests,
		SuccessfulRequests:  u.successfulRequests,
		FailedRequests:      u.failedRequests,
		TotalTokensUsed:     u.totalTokensUsed,
		TotalCost:           u.totalCost,
		AverageResponseTime: u.averageResponseTime,
		DailyUsage:          copyCounts(u.dailyUsage),
		MonthlyUsage:        copyCounts(u.monthlyUsage),
		DailySpend:          copySpend(u.dailySpend),
		MonthlySpend:        copySpend(u.monthlySpend),
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySpend(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// overBudgetLocked reports whether current-period spend has reached
// either limit. Caller holds e.mu.
func (e *entry) overBudgetLocked(now time.Time) bool {
	if e.budget == nil || e.budget.Unlimited {
		return false
	}
	if e.stats.dailySpend[types.DayKey(now)] >= e.budget.DailyLimit {
		return true
	}
	if e.stats.monthlySpend[types.MonthKey(now)] >= e.budget.MonthlyLimit {
		return true
	}
	return false
}

// checkBudgetLocked evaluates alert thresholds and the exceeded state
// for both periods, returning the events to publish. Each threshold
// fires at most once per period key, and only the lowest newly crossed
// threshold fires per call. Caller holds e.mu; publishing happens
// after the lock is released.
func (e *entry) checkBudgetLocked(now time.Time) []events.Event {
	if e.budget == nil || e.budget.Unlimited {
		return nil
	}

	var pending []events.Event
	for _, p := range []struct {
		period    types.Period
		periodKey string
		limit     float64
		spent     float64
	}{
		{types.PeriodDaily, types.DayKey(now), e.budget.DailyLimit, e.stats.dailySpend[types.DayKey(now)]},
		{types.PeriodMonthly, types.MonthKey(now), e.budget.MonthlyLimit, e.stats.monthlySpend[types.MonthKey(now)]},
	} {
		if p.limit <= 0 {
			// A zero limit with Unlimited unset means no spend at all;
			// there is no meaningful percentage to alert on.
			if p.spent > 0 && e.exceededFired[p.period] != p.periodKey {
				e.exceededFired[p.period] = p.periodKey
				pending = append(pending, events.BudgetExceeded{
					Provider: e.id,
					Period:   p.period,
					Current:  p.spent,
					Limit:    p.limit,
					Time:     now,
				})
			}
			continue
		}

		pct := p.spent / p.limit
		for _, t := range e.budget.AlertThresholds {
			if pct < t {
				break
			}
			key := fmt.Sprintf("%s:%.4f", p.period, t)
			if e.firedThresholds[key] == p.periodKey {
				continue
			}
			e.firedThresholds[key] = p.periodKey
			pending = append(pending, events.BudgetThresholdReached{
				Provider:   e.id,
				Period:     p.period,
				Threshold:  t,
				Percentage: pct,
				Time:       now,
			})
			break
		}

		if p.spent >= p.limit && e.exceededFired[p.period] != p.periodKey {
			e.exceededFired[p.period] = p.periodKey
			pending = append(pending, events.BudgetExceeded{
				Provider: e.id,
				Period:   p.period,
				Current:  p.spent,
				Limit:    p.limit,
				Time:     now,
			})
		}
	}
	return pending
}
