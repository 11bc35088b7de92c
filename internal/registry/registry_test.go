package registry

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ai/lodestar/internal/events"
	"github.com/lodestar-ai/lodestar/internal/providers/providertest"
	"github.com/lodestar-ai/lodestar/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestRegistry(t *testing.T) (*Registry, *events.Bus) {
	t.Helper()
	bus := events.NewBus(testLogger())
	return New(bus, testLogger()), bus
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))
	err := r.Register("p1", providertest.New("p1", 0.01))

	var dup *types.DuplicateProviderError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "p1", dup.Provider)
}

func TestRemoveUnknownProvider(t *testing.T) {
	r, _ := newTestRegistry(t)

	var removed *types.ProviderRemovedError
	require.ErrorAs(t, r.Remove("ghost"), &removed)

	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))
	require.NoError(t, r.Remove("p1"))

	_, err := r.Provider("p1")
	require.ErrorAs(t, err, &removed)
}

func TestSetBudgetValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))

	tests := []struct {
		name   string
		budget types.Budget
	}{
		{"negative daily limit", types.Budget{Provider: "p1", DailyLimit: -1}},
		{"negative monthly limit", types.Budget{Provider: "p1", MonthlyLimit: -5}},
		{"threshold at zero", types.Budget{Provider: "p1", DailyLimit: 10, AlertThresholds: []float64{0}}},
		{"threshold at one", types.Budget{Provider: "p1", DailyLimit: 10, AlertThresholds: []float64{1.0}}},
		{"thresholds not increasing", types.Budget{Provider: "p1", DailyLimit: 10, AlertThresholds: []float64{0.5, 0.5}}},
		{"thresholds decreasing", types.Budget{Provider: "p1", DailyLimit: 10, AlertThresholds: []float64{0.9, 0.5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var invalid *types.InvalidBudgetError
			require.ErrorAs(t, r.SetBudget(tt.budget), &invalid)
		})
	}

	require.NoError(t, r.SetBudget(types.Budget{
		Provider: "p1", DailyLimit: 10, MonthlyLimit: 100,
		AlertThresholds: []float64{0.5, 0.75, 0.9},
	}))
}

func TestSetBudgetAppliesDefaultThresholds(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))
	require.NoError(t, r.SetBudget(types.Budget{Provider: "p1", DailyLimit: 10, MonthlyLimit: 100}))

	b, ok := r.Budget("p1")
	require.True(t, ok)
	assert.Equal(t, types.DefaultAlertThresholds, b.AlertThresholds)
}

func TestTrackUsageAccumulates(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))

	require.NoError(t, r.TrackUsage("p1", 0.02, 100, 200*time.Millisecond, true))
	require.NoError(t, r.TrackUsage("p1", 0, 0, 100*time.Millisecond, false))
	require.NoError(t, r.TrackUsage("p1", 0.04, 300, 300*time.Millisecond, true))

	stats, err := r.UsageStats("p1")
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.SuccessfulRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Equal(t, int64(400), stats.TotalTokensUsed)
	assert.InDelta(t, 0.06, stats.TotalCost, 1e-9)
	assert.Equal(t, 200*time.Millisecond, stats.AverageResponseTime)

	day := types.DayKey(time.Now())
	assert.Equal(t, int64(3), stats.DailyUsage[day])
	assert.InDelta(t, 0.06, stats.DailySpend[day], 1e-9)
}

func TestTrackUsageUnknownProvider(t *testing.T) {
	r, _ := newTestRegistry(t)

	var removed *types.ProviderRemovedError
	require.ErrorAs(t, r.TrackUsage("ghost", 1, 1, time.Second, true), &removed)
}

func TestBudgetThresholdEventsFireOncePerPeriod(t *testing.T) {
	r, bus := newTestRegistry(t)
	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))
	require.NoError(t, r.SetBudget(types.Budget{Provider: "p1", DailyLimit: 10, MonthlyLimit: 1000}))

	var thresholds []events.BudgetThresholdReached
	var exceeded []events.BudgetExceeded
	bus.Subscribe(events.KindBudgetThresholdReached, func(e events.Event) {
		thresholds = append(thresholds, e.(events.BudgetThresholdReached))
	})
	bus.Subscribe(events.KindBudgetExceeded, func(e events.Event) {
		exceeded = append(exceeded, e.(events.BudgetExceeded))
	})

	// 60% of the daily limit: crosses 0.5 only.
	require.NoError(t, r.TrackUsage("p1", 6, 100, time.Second, true))
	require.Len(t, thresholds, 1)
	assert.Equal(t, 0.5, thresholds[0].Threshold)
	assert.Equal(t, types.PeriodDaily, thresholds[0].Period)

	// 80%: crosses 0.75. The already-fired 0.5 stays quiet.
	require.NoError(t, r.TrackUsage("p1", 2, 100, time.Second, true))
	require.Len(t, thresholds, 2)
	assert.Equal(t, 0.75, thresholds[1].Threshold)

	// Small spend under the next threshold: nothing new fires.
	require.NoError(t, r.TrackUsage("p1", 0.5, 100, time.Second, true))
	require.Len(t, thresholds, 2)

	// Push past 90% and the limit in one go: 0.9 fires, then exceeded.
	require.NoError(t, r.TrackUsage("p1", 2, 100, time.Second, true))
	require.Len(t, thresholds, 3)
	assert.Equal(t, 0.9, thresholds[2].Threshold)
	require.Len(t, exceeded, 1)
	assert.InDelta(t, 10.5, exceeded[0].Current, 1e-9)

	// Further spend fires no duplicate exceeded event.
	require.NoError(t, r.TrackUsage("p1", 1, 100, time.Second, true))
	assert.Len(t, exceeded, 1)
	assert.Len(t, thresholds, 3)

	assert.False(t, r.CanUse("p1"))
}

func TestBudgetDailyRollover(t *testing.T) {
	r, bus := newTestRegistry(t)
	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))
	require.NoError(t, r.SetBudget(types.Budget{Provider: "p1", DailyLimit: 10, MonthlyLimit: 1000}))

	day1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return day1 }

	var exceeded []events.BudgetExceeded
	bus.Subscribe(events.KindBudgetExceeded, func(e events.Event) {
		exceeded = append(exceeded, e.(events.BudgetExceeded))
	})

	require.NoError(t, r.TrackUsage("p1", 10, 100, time.Second, true))
	assert.False(t, r.CanUse("p1"))
	require.Len(t, exceeded, 1)

	// Next day the caps reset, re-arming the exceeded event.
	day2 := day1.Add(24 * time.Hour)
	r.now = func() time.Time { return day2 }

	assert.True(t, r.CanUse("p1"))
	headroom, limited := r.Headroom("p1")
	require.True(t, limited)
	assert.InDelta(t, 10, headroom, 1e-9)

	require.NoError(t, r.TrackUsage("p1", 10, 100, time.Second, true))
	assert.Len(t, exceeded, 2)

	stats, err := r.UsageStats("p1")
	require.NoError(t, err)
	assert.InDelta(t, 10, stats.DailySpend[types.DayKey(day1)], 1e-9)
	assert.InDelta(t, 10, stats.DailySpend[types.DayKey(day2)], 1e-9)
	assert.InDelta(t, 20, stats.MonthlySpend[types.MonthKey(day1)], 1e-9)
}

func TestMonthlyLimitBlocksAcrossDays(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))
	require.NoError(t, r.SetBudget(types.Budget{Provider: "p1", DailyLimit: 100, MonthlyLimit: 15}))

	day1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return day1 }
	require.NoError(t, r.TrackUsage("p1", 15, 100, time.Second, true))
	assert.False(t, r.CanUse("p1"))

	// A new day does not clear a monthly cap.
	r.now = func() time.Time { return day1.Add(24 * time.Hour) }
	assert.False(t, r.CanUse("p1"))

	// A new month does.
	r.now = func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }
	assert.True(t, r.CanUse("p1"))
}

func TestUnlimitedBudgetNeverBlocks(t *testing.T) {
	r, bus := newTestRegistry(t)
	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))
	require.NoError(t, r.SetBudget(types.Budget{Provider: "p1", Unlimited: true}))

	fired := 0
	bus.SubscribeAll(func(events.Event) { fired++ })

	require.NoError(t, r.TrackUsage("p1", 1e6, 100, time.Second, true))
	assert.True(t, r.CanUse("p1"))
	assert.Zero(t, fired)

	_, limited := r.Headroom("p1")
	assert.False(t, limited)
}

func TestNoBudgetMeansUnlimited(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))

	require.NoError(t, r.TrackUsage("p1", 1e6, 100, time.Second, true))
	assert.True(t, r.CanUse("p1"))

	_, limited := r.Headroom("p1")
	assert.False(t, limited)
}

func TestZeroLimitBlocksAllSpend(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))
	require.NoError(t, r.SetBudget(types.Budget{Provider: "p1", DailyLimit: 0, MonthlyLimit: 0}))

	assert.False(t, r.CanUse("p1"))
	headroom, limited := r.Headroom("p1")
	require.True(t, limited)
	assert.Zero(t, headroom)
}

func TestUnhealthyProviderIsIneligible(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("p1", providertest.New("p1", 0.01)))

	require.NoError(t, r.SetHealthStatus("p1", types.HealthStatus{State: types.HealthUnhealthy}))
	assert.False(t, r.CanUse("p1"))

	require.NoError(t, r.SetHealthStatus("p1", types.HealthStatus{State: types.HealthHealthy}))
	assert.True(t, r.CanUse("p1"))
}

func TestSnapshotsAreOrderedAndIsolated(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("zeta", providertest.New("zeta", 0.01)))
	require.NoError(t, r.Register("alpha", providertest.New("alpha", 0.01)))
	require.NoError(t, r.Register("mid", providertest.New("mid", 0.01)))

	snaps := r.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "alpha", snaps[0].ID)
	assert.Equal(t, "mid", snaps[1].ID)
	assert.Equal(t, "zeta", snaps[2].ID)

	stats, err := r.UsageStats("alpha")
	require.NoError(t, err)
	stats.DailyUsage["tamper"] = 99

	fresh, err := r.UsageStats("alpha")
	require.NoError(t, err)
	assert.NotContains(t, fresh.DailyUsage, "tamper")
}
