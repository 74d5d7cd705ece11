// Package domain implements the Execution Domain and Capability
// Domain: the bounded, tenant-scoped contexts a Plan executes inside.
// Domains are created once per (tenant, contract) and shared
// read-only; nothing in this package exposes a mutator once a domain
// has been built, matching the data model's "frozen after creation"
// invariant.
package domain

import (
	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/capability"
)

// ExecutionDomain is immutable once built. StateHash deliberately
// excludes node_id so the same plan in the same domain yields the
// same hash on any node.
type ExecutionDomain struct {
	DomainID     string   `json:"domain_id"`
	TenantID     string   `json:"tenant_id"`
	Capabilities []string `json:"capabilities"`
	StateHash    string   `json:"state_hash"`
}

// NewExecutionDomain builds a domain for tenantID with the given
// granted capability set and computes its state hash.
func NewExecutionDomain(domainID, tenantID string, capabilities []string) ExecutionDomain {
	d := ExecutionDomain{DomainID: domainID, TenantID: tenantID, Capabilities: capabilities}
	d.StateHash = canon.Hash(map[string]any{
		"domain_id":    d.DomainID,
		"tenant_id":    d.TenantID,
		"capabilities": canon.Set(d.Capabilities),
	})
	return d
}

// HasCapability resolves c (which may itself carry a scope pattern)
// against the domain's granted capability set: the namespace:action
// part must match exactly, and the scope is checked by glob
// containment (an unscoped side on either end matches any scope).
func (d ExecutionDomain) HasCapability(c string) bool {
	want := capability.CapabilityString(c)
	for _, granted := range d.Capabilities {
		g := capability.CapabilityString(granted)
		if g.NamespaceAction() != want.NamespaceAction() {
			continue
		}
		gScope := g.ScopePattern()
		wScope := want.ScopePattern()
		if gScope == "" || wScope == "" {
			return true
		}
		if capability.MatchesScope(gScope, wScope) {
			return true
		}
	}
	return false
}

// CapabilityDomain is a scope-bound capability set tied to a tenant.
// It answers "is capability X inside this domain?" under the same
// rules as ExecutionDomain, and never permits implicit escalation.
type CapabilityDomain struct {
	TenantID     string
	Capabilities []string
}

// ValidateCapabilityScope reports whether c is within this domain's
// granted set.
func (cd CapabilityDomain) ValidateCapabilityScope(c string) bool {
	ed := ExecutionDomain{TenantID: cd.TenantID, Capabilities: cd.Capabilities}
	return ed.HasCapability(c)
}

// CanEscalateTo always returns false: escalation is never implicit,
// regardless of the target capability's relationship to anything
// already granted.
func (cd CapabilityDomain) CanEscalateTo(targetCapability string) bool {
	return false
}

// TenantContext is immutable once issued; a mutable QuotaTracker is
// emitted on request rather than embedded, so quota state can reset
// per-sandbox without mutating the tenant's capability grant.
type TenantContext struct {
	TenantID          string
	DomainID          string
	IssuedCapabilities []string
	Quota             QuotaSpec
}

// QuotaSpec is the ceiling a TenantContext grants; QuotaTracker
// enforces it at runtime.
type QuotaSpec struct {
	MaxCPUSeconds       float64
	MaxMemoryBytes      int64
	MaxWallSeconds      float64
	MaxSteps            int
	MaxCapabilityCalls  int
}

// NewQuotaTracker emits a fresh tracker for one sandbox run. Quotas
// only decrease during an execution and reset at sandbox start — a
// new tracker per run is how that reset is expressed.
func (tc TenantContext) NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{
		remainingCPUSeconds:      tc.Quota.MaxCPUSeconds,
		remainingMemoryBytes:     tc.Quota.MaxMemoryBytes,
		remainingWallSeconds:     tc.Quota.MaxWallSeconds,
		remainingSteps:           tc.Quota.MaxSteps,
		remainingCapabilityCalls: tc.Quota.MaxCapabilityCalls,
	}
}

// QuotaTracker is mutable, single-owner state for the lifetime of one
// sandbox run.
type QuotaTracker struct {
	remainingCPUSeconds      float64
	remainingMemoryBytes     int64
	remainingWallSeconds     float64
	remainingSteps           int
	remainingCapabilityCalls int
}

// CheckAndConsumeStep decrements the step budget, returning false if
// the budget is already exhausted.
func (q *QuotaTracker) CheckAndConsumeStep() bool {
	if q.remainingSteps <= 0 {
		return false
	}
	q.remainingSteps--
	return true
}

// CheckAndConsumeCapabilityCall decrements the capability-call budget.
func (q *QuotaTracker) CheckAndConsumeCapabilityCall() bool {
	if q.remainingCapabilityCalls <= 0 {
		return false
	}
	q.remainingCapabilityCalls--
	return true
}

// CheckWallTime reports whether elapsed seconds is still within
// budget, without consuming it (wall time is checked, not
// decremented per-call).
func (q *QuotaTracker) CheckWallTime(elapsedSeconds float64) bool {
	return elapsedSeconds <= q.remainingWallSeconds
}

// RemainingSteps exposes the current step budget for diagnostics.
func (q *QuotaTracker) RemainingSteps() int { return q.remainingSteps }

// RemainingCapabilityCalls exposes the current capability-call budget.
func (q *QuotaTracker) RemainingCapabilityCalls() int { return q.remainingCapabilityCalls }
