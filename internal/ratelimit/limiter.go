// Package ratelimit provides per-venue token-bucket limiting for REST
// snapshot fetches (spec §4.1 fetch_snapshot), so a reconnect storm across
// many symbols on one venue cannot trip that venue's own rate limits.
// Grounded on internal/net/ratelimit/limiter.go from the teacher repository,
// trimmed from its multi-provider/multi-host manager down to the single
// venue-keyed case this system needs.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Manager hands out a *rate.Limiter per venue, created lazily on first use.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewManager creates a Manager whose limiters all share the given
// requests-per-second and burst capacity.
func NewManager(rps float64, burst int) *Manager {
	return &Manager{limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (m *Manager) limiterFor(venue string) *rate.Limiter {
	m.mu.RLock()
	l, ok := m.limiters[venue]
	m.mu.RUnlock()
	if ok {
		return l
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[venue]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(m.rps), m.burst)
	m.limiters[venue] = l
	return l
}

// Wait blocks until a REST snapshot request for venue is allowed, or ctx is
// canceled.
func (m *Manager) Wait(ctx context.Context, venue string) error {
	return m.limiterFor(venue).Wait(ctx)
}
