package types

import (
	"fmt"
	"strings"
)

// DuplicateProviderError is returned when registering a provider id that
// already exists.
type DuplicateProviderError struct {
	Provider string
}

func (e *DuplicateProviderError) Error() string {
	return fmt.Sprintf("provider %q is already registered", e.Provider)
}

// InvalidBudgetError is returned when a budget fails validation.
type InvalidBudgetError struct {
	Provider string
	Reason   string
}

func (e *InvalidBudgetError) Error() string {
	return fmt.Sprintf("invalid budget for provider %q: %s", e.Provider, e.Reason)
}

// ProviderRemovedError is returned when an operation references a
// provider that has been removed from the registry.
type ProviderRemovedError struct {
	Provider string
}

func (e *ProviderRemovedError) Error() string {
	return fmt.Sprintf("provider %q is not registered", e.Provider)
}

// NoEligibleProviderError is returned when filtering leaves no routing
// candidates.
type NoEligibleProviderError struct {
	Reason string
}

func (e *NoEligibleProviderError) Error() string {
	if e.Reason == "" {
		return "no eligible provider for request"
	}
	return fmt.Sprintf("no eligible provider for request: %s", e.Reason)
}

// ProviderError wraps a failure from a provider adapter with enough
// context for the fallback executor to classify it. Transient failures
// (network, timeout, 5xx) advance the fallback chain; permanent ones
// (bad request, auth, hard quota) do not get retried on later fallbacks.
type ProviderError struct {
	Provider   string
	Code       string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s failed (%s): %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AttemptError records one failed attempt inside a fallback chain.
type AttemptError struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Transient bool   `json:"transient"`
	Err       error  `json:"-"`
	Message   string `json:"error"`
}

// AllProvidersFailedError is returned when every entry in a routing
// decision has been attempted and failed. Attempts are in decision order
// so the operator can tell configuration problems from outages.
type AllProvidersFailedError struct {
	Attempts []AttemptError
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Message))
	}
	return fmt.Sprintf("all %d providers failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}
