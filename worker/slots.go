package worker

import (
	"maps"
	"sync"

	"golang.org/x/time/rate"
)

// Slots is the registry of jobs this process is running. It enforces the
// global concurrency budget and keeps per-tenant local counts. An optional
// token bucket throttles claim attempts against the store.
//
// Slots is safe for concurrent use.
type Slots struct {
	mu       sync.Mutex
	capacity int
	active   int
	tenants  map[string]int
	limiter  *rate.Limiter
}

// NewSlots creates a registry with room for capacity concurrent jobs.
// A non-positive capacity is treated as 1.
func NewSlots(capacity int) *Slots {
	if capacity <= 0 {
		capacity = 1
	}
	return &Slots{
		capacity: capacity,
		tenants:  make(map[string]int),
	}
}

// SetClaimRate limits claim attempts to perSecond with the given burst.
// A non-positive perSecond removes the limit. Burst defaults to 1.
func (s *Slots) SetClaimRate(perSecond float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if perSecond <= 0 {
		s.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Capacity returns the global budget.
func (s *Slots) Capacity() int {
	return s.capacity
}

// HasRoom reports whether another job may start.
func (s *Slots) HasRoom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active < s.capacity
}

// AllowClaim consumes a claim token. It reports false when the claim rate
// is exhausted.
func (s *Slots) AllowClaim() bool {
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()

	return limiter == nil || limiter.Allow()
}

// Acquire records a running job for tenantID.
func (s *Slots) Acquire(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active++
	s.tenants[tenantID]++
}

// Release frees the slot held by a job of tenantID.
func (s *Slots) Release(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active > 0 {
		s.active--
	}
	switch n := s.tenants[tenantID]; {
	case n > 1:
		s.tenants[tenantID] = n - 1
	case n == 1:
		delete(s.tenants, tenantID)
	}
}

// Active returns the number of running jobs.
func (s *Slots) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ActiveFor returns the number of running jobs of one tenant.
func (s *Slots) ActiveFor(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenants[tenantID]
}

// Tenants returns a copy of the per-tenant running counts.
func (s *Slots) Tenants() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.tenants)
}
