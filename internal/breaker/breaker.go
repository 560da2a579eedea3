// Package breaker wraps REST snapshot fetches (spec §4.1 fetch_snapshot) in
// a per-venue circuit breaker, so a venue whose REST endpoint is failing
// fast-fails new snapshot attempts instead of piling up blocked reconnect
// workers behind a timeout. Grounded on
// internal/infrastructure/providers/circuitbreakers.go from the teacher
// repository, trimmed from its multi-provider fallback-chain manager down
// to the single-venue-no-fallback case this system needs (spec explicitly
// has no cross-venue substitution).
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Manager hands out a *gobreaker.CircuitBreaker per venue, created lazily.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewManager creates an empty per-venue breaker manager.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (m *Manager) breakerFor(venue string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[venue]; ok {
		return b
	}
	settings := gobreaker.Settings{
		Name:        venue,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 3 && counts.ConsecutiveFailures >= 3
		},
	}
	b := gobreaker.NewCircuitBreaker(settings)
	m.breakers[venue] = b
	return b
}

// Execute runs fn through venue's breaker, tripping open after repeated
// consecutive REST failures so that further snapshot fetches for that venue
// fail immediately instead of hammering a down endpoint.
func (m *Manager) Execute(venue string, fn func() (any, error)) (any, error) {
	return m.breakerFor(venue).Execute(fn)
}
