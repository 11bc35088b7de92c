package types

import (
	"time"
)

// Period is the window a budget limit applies to.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// DefaultAlertThresholds are the budget fractions at which warning events
// fire when a budget does not configure its own.
var DefaultAlertThresholds = []float64{0.5, 0.75, 0.9}

// Budget is a per-provider spending ceiling. Unlimited is an explicit
// flag: a zero limit with Unlimited=false means no spend is allowed at
// all, never "no cap".
type Budget struct {
	Provider        string    `json:"provider" yaml:"provider"`
	DailyLimit      float64   `json:"daily_limit" yaml:"daily_limit"`
	MonthlyLimit    float64   `json:"monthly_limit" yaml:"monthly_limit"`
	Unlimited       bool      `json:"unlimited" yaml:"unlimited"`
	AlertThresholds []float64 `json:"alert_thresholds,omitempty" yaml:"alert_thresholds"`
}

// UsageStats is a point-in-time snapshot of one provider's accumulated
// usage. Maps are keyed by UTC period ("2006-01-02" for days, "2006-01"
// for months) so rollover is implicit in the key derivation.
type UsageStats struct {
	Provider            string             `json:"provider"`
	TotalRequests       int64              `json:"total_requests"`
	SuccessfulRequests  int64              `json:"successful_requests"`
	FailedRequests      int64              `json:"failed_requests"`
	TotalTokensUsed     int64              `json:"total_tokens_used"`
	TotalCost           float64            `json:"total_cost"`
	AverageResponseTime time.Duration      `json:"average_response_time"`
	DailyUsage          map[string]int64   `json:"daily_usage"`
	MonthlyUsage        map[string]int64   `json:"monthly_usage"`
	DailySpend          map[string]float64 `json:"daily_spend"`
	MonthlySpend        map[string]float64 `json:"monthly_spend"`
}

// DayKey and MonthKey derive the UTC period keys used by UsageStats maps
// and budget accounting.
func DayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }
