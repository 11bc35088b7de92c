package types

import (
	"time"
)

// HealthState is a provider's operational status as judged by periodic
// probing.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is the full per-provider health record owned by the
// health monitor and read by the routing engine.
type HealthStatus struct {
	State               HealthState   `json:"state"`
	LastCheck           time.Time     `json:"last_check"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ResponseTime        time.Duration `json:"response_time"`
}
