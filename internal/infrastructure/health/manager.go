// Package health aggregates liveness checks from engine components
package health

import (
	"sync"

	"execd/internal/core"
)

// Manager holds named health checks and answers aggregate queries
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates an empty health manager
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "health_manager"),
		checks: make(map[string]func() error),
	}
}

// Register adds a health check for a component
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status returns the current status of every registered component
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "healthy"
		}
	}
	return status
}

// Healthy reports whether every registered check passes
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("Health check failing", "component", component, "error", err)
			}
			return false
		}
	}
	return true
}
