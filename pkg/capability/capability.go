// Package capability implements the Capability Registry and the two
// policy questions the fabric asks about capabilities: whether one
// may be issued, and whether a proposed plan respects the tenant's
// granted set. It is grounded on the teacher's scheduler/registry
// shape (a map guarded by a single mutex, explicit not-found errors)
// rather than anything transport-specific.
package capability

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/aegisfabric/aegis/pkg/errs"
)

// RiskLevel ranges 1 (lowest) to 5 (highest).
type RiskLevel int

const (
	RiskLow      RiskLevel = 1
	RiskModerate RiskLevel = 2
	RiskElevated RiskLevel = 3
	RiskHigh     RiskLevel = 4
	RiskCritical RiskLevel = 5
)

// Metadata describes a registered capability.
type Metadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Risk        RiskLevel `json:"risk"`
}

// Registry holds every capability known to a node, keyed by its
// namespace:action identifier (scope is not part of the registry key;
// scope is bound later, at issuance).
type Registry struct {
	mu    sync.RWMutex
	items map[string]Metadata
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Metadata)}
}

// Register adds capability_id with its metadata. Re-registering the
// same id is a RegistrationFailed error, never a silent overwrite.
func (r *Registry) Register(capabilityID string, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[capabilityID]; exists {
		return errs.Registration(nil, "capability already registered: %s", capabilityID)
	}
	meta.ID = capabilityID
	r.items[capabilityID] = meta
	return nil
}

// GetMetadata returns the metadata registered for id.
func (r *Registry) GetMetadata(capabilityID string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.items[capabilityID]
	if !ok {
		return Metadata{}, errs.Capability("unknown capability: %s", capabilityID)
	}
	return meta, nil
}

// List returns every registered capability's metadata. The order is
// not significant; callers that need determinism sort by ID.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.items))
	for _, m := range r.items {
		out = append(out, m)
	}
	return out
}

// Unregister removes capability_id. Unregistering an unknown id is a
// no-op, mirroring the fabric's idempotent-delete convention.
func (r *Registry) Unregister(capabilityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, capabilityID)
}

// MatchesScope reports whether candidate (a literal scope string, e.g.
// a filesystem path or a resource name) is covered by pattern, which
// may use glob wildcards "*" (single path segment) and "**" (any
// depth), following path.Match semantics extended with "**".
func MatchesScope(pattern, candidate string) bool {
	if pattern == candidate {
		return true
	}
	if strings.Contains(pattern, "**") {
		prefix := strings.SplitN(pattern, "**", 2)[0]
		return strings.HasPrefix(candidate, strings.TrimSuffix(prefix, "/"))
	}
	ok, err := path.Match(pattern, candidate)
	return err == nil && ok
}

// CapabilityString is the wire form "namespace:action[:scope-pattern]".
type CapabilityString string

// Namespace returns the part before the first colon.
func (c CapabilityString) Namespace() string {
	parts := strings.SplitN(string(c), ":", 3)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// Action returns the part between the first and second colon.
func (c CapabilityString) Action() string {
	parts := strings.SplitN(string(c), ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// ScopePattern returns everything after the second colon, or "" if
// the capability carries no scope restriction.
func (c CapabilityString) ScopePattern() string {
	parts := strings.SplitN(string(c), ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// NamespaceAction returns "namespace:action", discarding scope — the
// registry key form.
func (c CapabilityString) NamespaceAction() string {
	return fmt.Sprintf("%s:%s", c.Namespace(), c.Action())
}
