package events

import (
	"time"

	"github.com/lodestar-ai/lodestar/internal/types"
)

// Kind names one event variant. The set is closed: every event the core
// emits is one of the types below, each with a strongly typed payload.
type Kind string

const (
	KindBudgetThresholdReached Kind = "budget_threshold_reached"
	KindBudgetExceeded         Kind = "budget_exceeded"
	KindHealthChanged          Kind = "health_changed"
	KindRoutingDecision        Kind = "routing_decision"
	KindRequestFailure         Kind = "request_failure"
)

// Event is implemented by every variant in the union.
type Event interface {
	Kind() Kind
	OccurredAt() time.Time
}

// BudgetThresholdReached fires the first time spend crosses an alert
// threshold within a period. At most one event per threshold per period.
type BudgetThresholdReached struct {
	Provider   string       `json:"provider"`
	Period     types.Period `json:"period"`
	Threshold  float64      `json:"threshold"`
	Percentage float64      `json:"percentage"`
	Time       time.Time    `json:"time"`
}

func (e BudgetThresholdReached) Kind() Kind            { return KindBudgetThresholdReached }
func (e BudgetThresholdReached) OccurredAt() time.Time { return e.Time }

// BudgetExceeded fires when spend reaches the period limit. The provider
// is excluded from routing until the period rolls over.
type BudgetExceeded struct {
	Provider string       `json:"provider"`
	Period   types.Period `json:"period"`
	Current  float64      `json:"current"`
	Limit    float64      `json:"limit"`
	Time     time.Time    `json:"time"`
}

func (e BudgetExceeded) Kind() Kind            { return KindBudgetExceeded }
func (e BudgetExceeded) OccurredAt() time.Time { return e.Time }

// HealthChanged fires on every health state transition.
type HealthChanged struct {
	Provider  string            `json:"provider"`
	State     types.HealthState `json:"state"`
	LastError string            `json:"last_error,omitempty"`
	Time      time.Time         `json:"time"`
}

func (e HealthChanged) Kind() Kind            { return KindHealthChanged }
func (e HealthChanged) OccurredAt() time.Time { return e.Time }

// RoutingDecisionMade fires once per execution, before the first attempt.
type RoutingDecisionMade struct {
	Decision types.RoutingDecision `json:"decision"`
	Strategy string                `json:"strategy"`
	Time     time.Time             `json:"time"`
}

func (e RoutingDecisionMade) Kind() Kind            { return KindRoutingDecision }
func (e RoutingDecisionMade) OccurredAt() time.Time { return e.Time }

// RequestFailed fires for every failed provider attempt.
type RequestFailed struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Error     string    `json:"error"`
	Transient bool      `json:"transient"`
	Time      time.Time `json:"time"`
}

func (e RequestFailed) Kind() Kind            { return KindRequestFailure }
func (e RequestFailed) OccurredAt() time.Time { return e.Time }
