package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Factory builds an adapter from its wire config. The manager uses it for
// runtime.add so transports never construct adapters themselves.
type Factory func(cfg v1.RuntimeConfig, log *logger.Logger) (Adapter, error)

// Manager owns the configured adapters and a health cache refreshed by a
// periodic probe loop. Spawn-time adapter selection and the daemon health
// report both read the cache rather than probing inline.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	configs  map[string]v1.RuntimeConfig
	health   map[string]v1.ProbeResult

	defaultID string
	factory   Factory
	interval  time.Duration
	eventBus  bus.EventBus
	logger    *logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a manager with no adapters registered.
func NewManager(defaultID string, interval time.Duration, factory Factory, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		adapters:  make(map[string]Adapter),
		configs:   make(map[string]v1.RuntimeConfig),
		health:    make(map[string]v1.ProbeResult),
		defaultID: defaultID,
		factory:   factory,
		interval:  interval,
		eventBus:  eventBus,
		logger:    log,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Add registers an adapter built from cfg and probes it immediately.
func (m *Manager) Add(ctx context.Context, cfg v1.RuntimeConfig) error {
	adapter, err := m.factory(cfg, m.logger)
	if err != nil {
		return fmt.Errorf("failed to build runtime %s: %w", cfg.ID, err)
	}

	m.mu.Lock()
	m.adapters[cfg.ID] = adapter
	m.configs[cfg.ID] = cfg
	m.mu.Unlock()

	m.probeOne(ctx, cfg.ID, adapter)
	return nil
}

// Remove unregisters a runtime. Agents on it become unreachable until it is
// re-added; the reconciler handles them at next start.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[id]; !ok {
		return fmt.Errorf("runtime %s: %w", id, ErrRuntimeNotFound)
	}
	delete(m.adapters, id)
	delete(m.configs, id)
	delete(m.health, id)
	return nil
}

// Get returns the adapter registered under id.
func (m *Manager) Get(id string) (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	adapter, ok := m.adapters[id]
	if !ok {
		return nil, fmt.Errorf("runtime %s: %w", id, ErrRuntimeNotFound)
	}
	return adapter, nil
}

// List returns the wire configs of all registered runtimes.
func (m *Manager) List() []v1.RuntimeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]v1.RuntimeConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	return out
}

// Health returns the cached probe result for a runtime.
func (m *Manager) Health(id string) (v1.ProbeResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.health[id]
	return res, ok
}

// HealthSnapshot returns a copy of the whole health cache.
func (m *Manager) HealthSnapshot() map[string]v1.ProbeResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]v1.ProbeResult, len(m.health))
	for id, res := range m.health {
		out[id] = res
	}
	return out
}

// Ping probes one runtime inline and returns the fresh result.
func (m *Manager) Ping(ctx context.Context, id string) (v1.ProbeResult, error) {
	adapter, err := m.Get(id)
	if err != nil {
		return v1.ProbeResult{}, err
	}
	return m.probeOne(ctx, id, adapter), nil
}

// Select picks the runtime for a new spawn: explicit ID, then the template's
// preferred runtime, then the configured default, then the first healthy one.
func (m *Manager) Select(explicitID, preferredID string) (string, Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if explicitID != "" {
		adapter, ok := m.adapters[explicitID]
		if !ok {
			return "", nil, fmt.Errorf("runtime %s: %w", explicitID, ErrRuntimeNotFound)
		}
		return explicitID, adapter, nil
	}

	for _, id := range []string{preferredID, m.defaultID} {
		if id == "" {
			continue
		}
		if adapter, ok := m.adapters[id]; ok && m.healthyLocked(id) {
			return id, adapter, nil
		}
	}

	for id, adapter := range m.adapters {
		if m.healthyLocked(id) {
			return id, adapter, nil
		}
	}
	return "", nil, ErrNoHealthyRuntime
}

// healthyLocked treats degraded as usable; only unhealthy runtimes are
// refused for new spawns. Callers hold m.mu.
func (m *Manager) healthyLocked(id string) bool {
	res, ok := m.health[id]
	if !ok {
		return false
	}
	return res.Health != v1.RuntimeUnhealthy
}

// Start launches the periodic probe loop.
func (m *Manager) Start(ctx context.Context) {
	go m.probeLoop(ctx)
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) probeLoop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probeAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.probeAll(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.adapters))
	adapters := make([]Adapter, 0, len(m.adapters))
	for id, a := range m.adapters {
		ids = append(ids, id)
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	for i, id := range ids {
		m.probeOne(ctx, id, adapters[i])
	}
}

// probeOne runs a single probe, updates the cache, and publishes
// runtime.health-changed when the verdict changes.
func (m *Manager) probeOne(ctx context.Context, id string, adapter Adapter) v1.ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result := adapter.Probe(probeCtx)

	m.mu.Lock()
	prev, hadPrev := m.health[id]
	m.health[id] = result
	m.mu.Unlock()

	if hadPrev && prev.Health != result.Health {
		m.logger.Info("runtime health changed",
			zap.String("runtime_id", id),
			zap.String("from", string(prev.Health)),
			zap.String("to", string(result.Health)))
		if m.eventBus != nil {
			event := bus.NewEvent(events.RuntimeHealthChanged, "runtime-manager", map[string]interface{}{
				"runtimeId": id,
				"from":      string(prev.Health),
				"to":        string(result.Health),
				"details":   result.Details,
			})
			_ = m.eventBus.Publish(ctx, events.RuntimeHealthChanged, event)
		}
	}
	return result
}
