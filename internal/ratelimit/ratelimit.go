// Package ratelimit sheds requests when too many are in flight, either
// service-wide or for a single tenant. It is a concurrency limiter, not a
// token bucket: a slot is held for the lifetime of the request and freed
// when the handler returns.
package ratelimit

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Default caps, matching the service configuration defaults.
const (
	DefaultGlobalLimit    = 100
	DefaultPerTenantLimit = 20
)

// Limiter caps concurrent in-flight requests with a global semaphore plus
// one semaphore per tenant, created on demand.
type Limiter struct {
	global    *semaphore.Weighted
	perTenant int64

	mu      sync.Mutex
	tenants map[string]*semaphore.Weighted
}

// New creates a Limiter. Non-positive limits fall back to the defaults.
func New(globalLimit, perTenantLimit int) *Limiter {
	if globalLimit <= 0 {
		globalLimit = DefaultGlobalLimit
	}
	if perTenantLimit <= 0 {
		perTenantLimit = DefaultPerTenantLimit
	}
	return &Limiter{
		global:    semaphore.NewWeighted(int64(globalLimit)),
		perTenant: int64(perTenantLimit),
		tenants:   make(map[string]*semaphore.Weighted),
	}
}

// Acquire tries to reserve an in-flight slot for the tenant without
// blocking. On success it returns a release function that must be called
// exactly once; on failure (either cap exhausted) it returns ok=false.
func (l *Limiter) Acquire(tenantID string) (release func(), ok bool) {
	if !l.global.TryAcquire(1) {
		return nil, false
	}
	sem := l.tenantSem(tenantID)
	if !sem.TryAcquire(1) {
		l.global.Release(1)
		return nil, false
	}
	return func() {
		sem.Release(1)
		l.global.Release(1)
	}, true
}

func (l *Limiter) tenantSem(tenantID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.tenants[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(l.perTenant)
		l.tenants[tenantID] = sem
	}
	return sem
}
