// Package tenant tracks, per tenant, the set of live workflow and job
// identifiers. The registry answers the single question the admission
// controller cares about: is this tenant idle? A tenant with no live
// workflows and no live jobs releases its active-user slot.
package tenant

import "sync"

// entry holds the live identifier sets for one tenant.
type entry struct {
	workflows map[string]struct{}
	jobs      map[string]struct{}
}

func (e *entry) empty() bool {
	return len(e.workflows) == 0 && len(e.jobs) == 0
}

// Registry is the per-tenant activity ledger. All operations are total and
// idempotent; removing an unknown entry is silently tolerated.
type Registry struct {
	mu      sync.Mutex
	tenants map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]*entry)}
}

// AddWorkflow records a live workflow for the tenant.
func (r *Registry) AddWorkflow(tenantID, workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(tenantID).workflows[workflowID] = struct{}{}
}

// RemoveWorkflow forgets a workflow. Unknown IDs are ignored.
func (r *Registry) RemoveWorkflow(tenantID, workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tenants[tenantID]
	if !ok {
		return
	}
	delete(e.workflows, workflowID)
	r.pruneLocked(tenantID, e)
}

// AddJob records a live job for the tenant.
func (r *Registry) AddJob(tenantID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(tenantID).jobs[jobID] = struct{}{}
}

// RemoveJob forgets a job. Unknown IDs are ignored.
func (r *Registry) RemoveJob(tenantID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tenants[tenantID]
	if !ok {
		return
	}
	delete(e.jobs, jobID)
	r.pruneLocked(tenantID, e)
}

// IsIdle returns true iff the tenant has no live workflows and no live jobs.
// Unknown tenants are idle.
func (r *Registry) IsIdle(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tenants[tenantID]
	return !ok || e.empty()
}

// WorkflowCount returns the number of live workflows for the tenant.
func (r *Registry) WorkflowCount(tenantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tenants[tenantID]; ok {
		return len(e.workflows)
	}
	return 0
}

// JobCount returns the number of live jobs for the tenant.
func (r *Registry) JobCount(tenantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tenants[tenantID]; ok {
		return len(e.jobs)
	}
	return 0
}

func (r *Registry) get(tenantID string) *entry {
	e, ok := r.tenants[tenantID]
	if !ok {
		e = &entry{
			workflows: make(map[string]struct{}),
			jobs:      make(map[string]struct{}),
		}
		r.tenants[tenantID] = e
	}
	return e
}

// pruneLocked drops tenants whose sets are both empty so the map does not
// grow with tenant churn. Caller holds r.mu.
func (r *Registry) pruneLocked(tenantID string, e *entry) {
	if e.empty() {
		delete(r.tenants, tenantID)
	}
}
