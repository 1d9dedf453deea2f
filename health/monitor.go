package health

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// CheckFunc reports the current status of one subsystem
type CheckFunc func() Status

// Monitor keeps the last reported status of each bot subsystem. Subsystems
// either push their state with Set or register a CheckFunc that is polled on
// every Snapshot.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]CheckFunc
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]CheckFunc),
	}
}

// Set records status under name, replacing any earlier report
func (m *Monitor) Set(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// SetHealthy marks a subsystem healthy
func (m *Monitor) SetHealthy(name, message string) {
	m.Set(name, NewHealthy(name, message))
}

// SetDegraded marks a subsystem degraded
func (m *Monitor) SetDegraded(name, message string) {
	m.Set(name, NewDegraded(name, message))
}

// SetUnhealthy marks a subsystem unhealthy
func (m *Monitor) SetUnhealthy(name, message string) {
	m.Set(name, NewUnhealthy(name, message))
}

// AddCheck polls check under name on every Snapshot. A nil check removes it.
func (m *Monitor) AddCheck(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if check == nil {
		delete(m.checks, name)
		return
	}
	m.checks[name] = check
}

// Get returns the last status recorded under name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statuses[name]
	return status, ok
}

// Snapshot runs the registered checks and aggregates every subsystem under
// system. Sub-statuses are ordered by name.
func (m *Monitor) Snapshot(system string) Status {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	// Checks may call into other subsystems; run them unlocked.
	for name, check := range checks {
		m.Set(name, check())
	}

	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	slices.SortFunc(subs, func(a, b Status) int {
		return strings.Compare(a.Component, b.Component)
	})
	return Aggregate(system, subs)
}
