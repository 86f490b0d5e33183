// Package health aggregates component health checks and exposes them
// over a small HTTP endpoint for an unattended long-lived process.
package health

import (
	"encoding/json"
	"fundingarb/internal/core"
	"net/http"
	"sync"
)

// Manager aggregates health status from different components.
type Manager struct {
	logger core.Logger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates a new health manager.
func NewManager(logger core.Logger) *Manager {
	if logger == nil {
		return &Manager{checks: make(map[string]func() error)}
	}
	return &Manager{
		logger: logger.WithField("component", "health_manager"),
		checks: make(map[string]func() error),
	}
}

// Register adds a new health check for a component.
func (hm *Manager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// GetStatus returns the current status of all registered components.
func (hm *Manager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string)
	for component, check := range hm.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if all registered components are healthy.
func (hm *Manager) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for _, check := range hm.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// Handler returns an http.Handler reporting 200 with per-component status
// when healthy, 503 otherwise.
func (hm *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := hm.GetStatus()
		w.Header().Set("Content-Type", "application/json")
		if !hm.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
