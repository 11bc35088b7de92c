package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lodestar-ai/lodestar/internal/events"
	"github.com/lodestar-ai/lodestar/internal/registry"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// Config controls probe cadence and the failure threshold.
type Config struct {
	Interval         time.Duration `yaml:"interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// DefaultConfig returns the production probe settings.
func DefaultConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		ProbeTimeout:     10 * time.Second,
		FailureThreshold: 3,
	}
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
}

// Monitor probes every registered provider in the background and keeps
// the registry's health records current. Providers registered after
// Start are picked up on the next supervisor tick; removed providers
// have their probe loop exit on its next tick. A per-provider lock
// serializes probes, so a background tick and an on-demand Probe for
// the same provider never overlap.
type Monitor struct {
	registry *registry.Registry
	bus      *events.Bus
	logger   *logrus.Logger
	cfg      Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	loops   map[string]struct{}
	probes  map[string]*sync.Mutex
}

// NewMonitor wires a monitor to a registry and event bus.
func NewMonitor(reg *registry.Registry, bus *events.Bus, logger *logrus.Logger, cfg Config) *Monitor {
	cfg.normalize()
	return &Monitor{
		registry: reg,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		loops:    make(map[string]struct{}),
		probes:   make(map[string]*sync.Mutex),
	}
}

// Start launches probe loops for all currently registered providers and
// a supervisor that adopts later registrations. Calling Start on a
// running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.adoptLocked(ctx)

	m.wg.Add(1)
	go m.supervise(ctx)

	m.logger.WithFields(logrus.Fields{
		"interval":          m.cfg.Interval,
		"failure_threshold": m.cfg.FailureThreshold,
	}).Info("Health monitor started")
}

// Stop cancels all probe loops and blocks until they exit. Stopping a
// stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

// Probe runs a single on-demand health check for one provider and
// returns the resulting status. The background loops use the same path;
// the per-provider lock keeps the two from racing on the failure count.
func (m *Monitor) Probe(ctx context.Context, id string) (types.HealthStatus, error) {
	if _, err := m.registry.Provider(id); err != nil {
		return types.HealthStatus{}, err
	}
	m.probe(ctx, id)
	return m.registry.HealthStatus(id)
}

func (m *Monitor) supervise(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.running {
				m.adoptLocked(ctx)
			}
			m.mu.Unlock()
		}
	}
}

// adoptLocked starts a probe loop for every registered provider that
// does not have one yet. Caller holds m.mu.
func (m *Monitor) adoptLocked(ctx context.Context) {
	for _, id := range m.registry.ProviderIDs() {
		if _, ok := m.loops[id]; ok {
			continue
		}
		m.loops[id] = struct{}{}
		m.wg.Add(1)
		go m.probeLoop(ctx, id)
	}
}

func (m *Monitor) probeLoop(ctx context.Context, id string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.loops, id)
		m.mu.Unlock()
	}()

	m.probe(ctx, id)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.registry.Provider(id); err != nil {
				return
			}
			m.probe(ctx, id)
		}
	}
}

// probeLock returns the mutex serializing probes for one provider,
// creating it on first use.
func (m *Monitor) probeLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.probes[id]
	if !ok {
		lock = &sync.Mutex{}
		m.probes[id] = lock
	}
	return lock
}

// probe runs one connection test and folds the result into the
// provider's health record. A single success restores healthy; it takes
// FailureThreshold consecutive failures to reach unhealthy, with
// degraded in between. At most one probe runs per provider at a time;
// the health record is only touched under the provider's probe lock.
func (m *Monitor) probe(ctx context.Context, id string) {
	lock := m.probeLock(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.registry.Provider(id)
	if err != nil {
		return
	}

	prev, err := m.registry.HealthStatus(id)
	if err != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	start := time.Now()
	probeErr := p.TestConnection(probeCtx)
	elapsed := time.Since(start)
	cancel()

	next := types.HealthStatus{
		LastCheck:    time.Now(),
		ResponseTime: elapsed,
	}

	if probeErr != nil {
		next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		next.LastError = probeErr.Error()
		if next.ConsecutiveFailures >= m.cfg.FailureThreshold {
			next.State = types.HealthUnhealthy
		} else {
			next.State = types.HealthDegraded
		}
	} else {
		next.State = types.HealthHealthy
	}

	if err := m.registry.SetHealthStatus(id, next); err != nil {
		return
	}

	if next.State != prev.State {
		m.logger.WithFields(logrus.Fields{
			"provider": id,
			"from":     prev.State,
			"to":       next.State,
			"error":    next.LastError,
		}).Info("Provider health changed")

		m.bus.Publish(events.HealthChanged{
			Provider:  id,
			State:     next.State,
			LastError: next.LastError,
			Time:      next.LastCheck,
		})
	}
}
