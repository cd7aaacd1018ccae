// Package health aggregates named component checks into one readiness
// answer for the ops surface.
package health

import (
	"sync"

	"order_pipeline/internal/core"
)

// Manager holds the registered checks. Checks run at read time so the
// answer is always current; they must be cheap and non-blocking.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates an empty check registry.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds or replaces a component's check.
func (m *Manager) Register(name string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// GetStatus runs every check and reports the result per component;
// nil means healthy.
func (m *Manager) GetStatus() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]error, len(m.checks))
	for name, check := range m.checks {
		status[name] = check()
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("component unhealthy", "component", name, "error", err)
			}
			return false
		}
	}
	return true
}
