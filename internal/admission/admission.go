// Package admission enforces the active-user cap: at most A tenants hold a
// slot at any time, everyone else waits in FIFO order. Slots are released by
// the scheduler when the tenant registry reports a tenant idle, at which
// point the waiting head is promoted.
package admission

import (
	"sync"
	"time"
)

// DefaultMaxActiveUsers is the admission cap applied when the config leaves
// it unset.
const DefaultMaxActiveUsers = 3

// slot records one admitted tenant.
type slot struct {
	tenantID   string
	acquiredAt time.Time
}

// Controller maintains the bounded active set and the FIFO waiting queue.
type Controller struct {
	mu      sync.Mutex
	max     int
	active  map[string]slot
	waiting []string
	clock   func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// NewController creates a controller admitting at most maxActive tenants.
// Non-positive values fall back to DefaultMaxActiveUsers.
func NewController(maxActive int, opts ...Option) *Controller {
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveUsers
	}
	c := &Controller{
		max:    maxActive,
		active: make(map[string]slot),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire attempts to admit the tenant. It returns true when the tenant is
// active after the call (already admitted, or a slot was free) and false
// when the tenant was appended to the waiting queue instead. Re-acquiring
// while waiting does not create duplicate queue entries.
func (c *Controller) Acquire(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[tenantID]; ok {
		return true
	}
	if len(c.active) < c.max {
		c.active[tenantID] = slot{tenantID: tenantID, acquiredAt: c.clock()}
		return true
	}
	for _, waiting := range c.waiting {
		if waiting == tenantID {
			return false
		}
	}
	c.waiting = append(c.waiting, tenantID)
	return false
}

// Release frees the tenant's slot if held and promotes the waiting head.
// A tenant that was only waiting is removed from the queue. It returns
// the promoted tenant and true when a promotion happened.
func (c *Controller) Release(tenantID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, held := c.active[tenantID]; !held {
		for i, waiting := range c.waiting {
			if waiting == tenantID {
				c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
				break
			}
		}
		return "", false
	}
	delete(c.active, tenantID)

	if len(c.waiting) == 0 || len(c.active) >= c.max {
		return "", false
	}
	next := c.waiting[0]
	c.waiting = c.waiting[1:]
	c.active[next] = slot{tenantID: next, acquiredAt: c.clock()}
	return next, true
}

// IsActive returns true if the tenant currently holds a slot.
func (c *Controller) IsActive(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[tenantID]
	return ok
}

// ActiveCount returns the number of held slots.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// WaitingCount returns the length of the waiting queue.
func (c *Controller) WaitingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}

// QueuePosition returns the tenant's zero-based position in the waiting
// queue. The second return is false when the tenant is active or absent.
func (c *Controller) QueuePosition(tenantID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, waiting := range c.waiting {
		if waiting == tenantID {
			return i, true
		}
	}
	return 0, false
}

// ActiveSince returns when the tenant acquired its slot.
func (c *Controller) ActiveSince(tenantID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.active[tenantID]
	return s.acquiredAt, ok
}

// MaxActive returns the admission cap A.
func (c *Controller) MaxActive() int {
	return c.max
}
