package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lodestar-ai/lodestar/internal/events"
	"github.com/lodestar-ai/lodestar/internal/providers"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// Registry owns the set of registered providers together with their
// budgets, usage stats, and health state. Each provider has its own
// lock so unrelated requests never serialize on each other; the
// registry-level RWMutex only guards the map itself.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	bus    *events.Bus
	logger *logrus.Logger
	now    func() time.Time
}

type entry struct {
	mu       sync.Mutex
	id       string
	provider providers.Provider
	budget   *types.Budget
	stats    usageAccumulator
	health   types.HealthStatus

	// firedThresholds maps "period:threshold" to the period key it last
	// fired in, so each threshold alerts at most once per period.
	firedThresholds map[string]string
	exceededFired   map[types.Period]string
}

// Snapshot is a read-only view of one registered provider, consumed by
// the routing engine.
type Snapshot struct {
	ID              string
	Provider        providers.Provider
	Health          types.HealthStatus
	AvgResponseTime time.Duration
}

// New creates an empty registry.
func New(bus *events.Bus, logger *logrus.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds a provider under a unique id, with zeroed usage stats
// and unknown health.
func (r *Registry) Register(id string, p providers.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return &types.DuplicateProviderError{Provider: id}
	}

	r.entries[id] = &entry{
		id:              id,
		provider:        p,
		stats:           newUsageAccumulator(),
		health:          types.HealthStatus{State: types.HealthUnknown},
		firedThresholds: make(map[string]string),
		exceededFired:   make(map[types.Period]string),
	}

	r.logger.WithFields(logrus.Fields{
		"provider": id,
		"kind":     p.Kind(),
	}).Info("Provider registered")

	return nil
}

// Remove deletes a provider. In-flight fallback attempts referencing it
// fail with ProviderRemovedError, and its health probe loop exits at
// the next tick.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return &types.ProviderRemovedError{Provider: id}
	}
	delete(r.entries, id)

	r.logger.WithField("provider", id).Info("Provider removed")
	return nil
}

// Provider returns the provider registered under id.
func (r *Registry) Provider(id string) (providers.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[id]
	if !exists {
		return nil, &types.ProviderRemovedError{Provider: id}
	}
	return e.provider, nil
}

// ProviderIDs returns all registered ids in lexical order.
func (r *Registry) ProviderIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshots returns a point-in-time view of every provider, in lexical
// id order so consumers iterate deterministically.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snaps = append(snaps, Snapshot{
			ID:              e.id,
			Provider:        e.provider,
			Health:          e.health,
			AvgResponseTime: e.stats.averageResponseTime,
		})
		e.mu.Unlock()
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// SetBudget validates and installs a spending ceiling for a provider.
func (r *Registry) SetBudget(b types.Budget) error {
	if err := validateBudget(b); err != nil {
		return err
	}
	if len(b.AlertThresholds) == 0 {
		b.AlertThresholds = append([]float64(nil), types.DefaultAlertThresholds...)
	}

	e, err := r.entry(b.Provider)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	budget := b
	e.budget = &budget
	return nil
}

// Budget returns the budget configured for a provider, if any.
func (r *Registry) Budget(id string) (types.Budget, bool) {
	e, err := r.entry(id)
	if err != nil {
		return types.Budget{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.budget == nil {
		return types.Budget{}, false
	}
	return *e.budget, true
}

// TrackUsage records one completed call attempt. Success and failure
// both count toward totals; cost accrues against the current UTC day
// and month. Budget threshold and exceeded events are emitted from
// here, outside the entry lock.
func (r *Registry) TrackUsage(id string, cost float64, tokens int64, duration time.Duration, success bool) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	now := r.now()

	e.mu.Lock()
	e.stats.record(now, cost, tokens, duration, success)
	pending := e.checkBudgetLocked(now)
	e.mu.Unlock()

	for _, ev := range pending {
		r.bus.Publish(ev)
	}
	return nil
}

// CanUse reports whether a provider is currently eligible: not over
// budget for either period and not unhealthy.
func (r *Registry) CanUse(id string) bool {
	e, err := r.entry(id)
	if err != nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.health.State == types.HealthUnhealthy {
		return false
	}
	return !e.overBudgetLocked(r.now())
}

// Headroom returns the remaining spend before the tightest budget cap
// would be hit. limited=false means the provider has no effective cap.
func (r *Registry) Headroom(id string) (remaining float64, limited bool) {
	e, err := r.entry(id)
	if err != nil {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.budget == nil || e.budget.Unlimited {
		return 0, false
	}

	now := r.now()
	remaining = -1.0
	for _, p := range []struct {
		limit float64
		spent float64
	}{
		{e.budget.DailyLimit, e.stats.dailySpend[types.DayKey(now)]},
		{e.budget.MonthlyLimit, e.stats.monthlySpend[types.MonthKey(now)]},
	} {
		left := p.limit - p.spent
		if left < 0 {
			left = 0
		}
		if remaining < 0 || left < remaining {
			remaining = left
		}
	}
	return remaining, true
}

// UsageStats returns a deep-copied snapshot of a provider's stats.
func (r *Registry) UsageStats(id string) (types.UsageStats, error) {
	e, err := r.entry(id)
	if err != nil {
		return types.UsageStats{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.snapshot(id), nil
}

// SetHealthStatus stores the monitor's verdict for a provider. Only the
// health monitor calls this.
func (r *Registry) SetHealthStatus(id string, status types.HealthStatus) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.health = status
	return nil
}

// HealthStatus returns the stored health record for one provider.
func (r *Registry) HealthStatus(id string) (types.HealthStatus, error) {
	e, err := r.entry(id)
	if err != nil {
		return types.HealthStatus{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, nil
}

// AllHealth returns the health of every registered provider.
func (r *Registry) AllHealth() map[string]types.HealthStatus {
	out := make(map[string]types.HealthStatus)
	for _, snap := range r.Snapshots() {
		out[snap.ID] = snap.Health
	}
	return out
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[id]
	if !exists {
		return nil, &types.ProviderRemovedError{Provider: id}
	}
	return e, nil
}
