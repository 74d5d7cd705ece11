package capability

import (
	"github.com/aegisfabric/aegis/pkg/canon"
)

// ViolationKind enumerates the ways a proposed plan can fail policy.
type ViolationKind string

const (
	ViolationMissingCapability  ViolationKind = "missing_capability"
	ViolationScopeExceed        ViolationKind = "scope_exceed"
	ViolationDependencyCycle    ViolationKind = "dependency_cycle"
	ViolationImplicitEscalation ViolationKind = "implicit_escalation"
	ViolationForbiddenAction    ViolationKind = "forbidden_action"
	ViolationRiskTooHigh        ViolationKind = "risk_too_high"
	ViolationTruncated          ViolationKind = "plan_truncated"
)

// Severity ranks how serious a PolicyViolation is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// PolicyViolation describes one rule failure.
type PolicyViolation struct {
	Kind        ViolationKind  `json:"kind"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

// ValidationResult is returned by workflow policy evaluation.
type ValidationResult struct {
	OK         bool              `json:"ok"`
	Violations []PolicyViolation `json:"violations"`
}

// Rule is a single named workflow-policy predicate. Rules are
// evaluated in registration order; every violation they report is
// collected, not just the first.
type Rule struct {
	Name string
	// Forbidden holds the action names this rule rejects outright.
	// A rule with an empty Forbidden set rejects no action.
	Forbidden map[string]bool
	// Flagged reports action names that are otherwise valid but still
	// require human approval before execution (spec's workflow-policy
	// "says so" half of the approval-gate disjunction).
	Flagged map[string]bool
}

// WorkflowStep is the minimal shape the Policy Engine needs to judge
// one step of a proposed plan: its action, its required capabilities,
// and the steps it depends on. The tenant's granted capability set is
// passed to EvaluateWorkflow separately.
type WorkflowStep struct {
	StepID               string
	Action               string
	RequiredCapabilities []string
	DependsOn            []string
}

// Engine evaluates issuance and workflow policy. Rules are data, not
// code, so policy_hash can be computed over them deterministically.
type Engine struct {
	maxIssuableRisk RiskLevel
	rules           []Rule
}

// NewEngine builds a Policy Engine. maxIssuableRisk is the highest
// risk level the issuance policy allows (e.g. reject risk >= 4 for
// self-optimizing subsystems per the fabric's default posture).
func NewEngine(maxIssuableRisk RiskLevel, rules []Rule) *Engine {
	return &Engine{maxIssuableRisk: maxIssuableRisk, rules: rules}
}

// EvaluateIssuance answers whether meta may be issued at all, under
// this engine's configured risk ceiling.
func (e *Engine) EvaluateIssuance(meta Metadata) (bool, string) {
	if meta.Risk > e.maxIssuableRisk {
		return false, "risk level exceeds issuance ceiling"
	}
	return true, ""
}

// EvaluateWorkflow enumerates every violation a proposed plan has
// against the tenant's granted capability set. grantedCaps entries may
// be scope-qualified ("fs:read:/workspace/**"); required capabilities
// on a step are checked via MatchesScope against each granted entry
// sharing the same namespace:action.
func (e *Engine) EvaluateWorkflow(steps []WorkflowStep, grantedCaps []string) ValidationResult {
	var violations []PolicyViolation

	granted := make(map[string][]string) // namespace:action -> scope patterns
	for _, g := range grantedCaps {
		cs := CapabilityString(g)
		key := cs.NamespaceAction()
		granted[key] = append(granted[key], cs.ScopePattern())
	}

	for _, step := range steps {
		for _, reqRaw := range step.RequiredCapabilities {
			reqCS := CapabilityString(reqRaw)
			key := reqCS.NamespaceAction()
			patterns, ok := granted[key]
			if !ok {
				violations = append(violations, PolicyViolation{
					Kind:        ViolationMissingCapability,
					Severity:    SeverityCritical,
					Description: "required capability not granted: " + reqRaw,
					Context:     map[string]any{"step_id": step.StepID, "capability": reqRaw},
				})
				continue
			}
			reqScope := reqCS.ScopePattern()
			if reqScope != "" && !scopeCovered(reqScope, patterns) {
				violations = append(violations, PolicyViolation{
					Kind:        ViolationScopeExceed,
					Severity:    SeverityCritical,
					Description: "required scope exceeds granted scope: " + reqRaw,
					Context:     map[string]any{"step_id": step.StepID, "capability": reqRaw},
				})
			}
		}

		for _, rule := range e.rules {
			if rule.Forbidden[step.Action] {
				violations = append(violations, PolicyViolation{
					Kind:        ViolationForbiddenAction,
					Severity:    SeverityCritical,
					Description: "action forbidden by policy rule " + rule.Name + ": " + step.Action,
					Context:     map[string]any{"step_id": step.StepID, "action": step.Action},
				})
			}
		}
	}

	if cyc := detectCycle(steps); cyc != "" {
		violations = append(violations, PolicyViolation{
			Kind:        ViolationDependencyCycle,
			Severity:    SeverityCritical,
			Description: "dependency cycle detected at step " + cyc,
			Context:     map[string]any{"step_id": cyc},
		})
	}

	return ValidationResult{OK: len(violations) == 0, Violations: violations}
}

// PolicyFlagged reports whether any step's action is flagged by a
// registered rule, independent of whether the plan otherwise passes
// workflow validation. The Human-Approval gate ORs this with the
// risk-level check, per the spec's resolved Open Question.
func (e *Engine) PolicyFlagged(steps []WorkflowStep) bool {
	for _, step := range steps {
		for _, rule := range e.rules {
			if rule.Flagged[step.Action] {
				return true
			}
		}
	}
	return false
}

// scopeCovered reports whether reqScope is within at least one
// granted pattern. A granted pattern of "" (unscoped capability)
// covers every requested scope.
func scopeCovered(reqScope string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			return true
		}
		if MatchesScope(p, reqScope) {
			return true
		}
	}
	return false
}

// detectCycle runs a simple DFS over DependsOn edges and returns the
// step_id of the first step (in input order) from which a cycle is
// reachable, or "" if the dependency graph is acyclic.
func detectCycle(steps []WorkflowStep) string {
	byID := make(map[string]WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.StepID] = s
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case done:
			return false
		case visiting:
			return true
		}
		state[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if visit(dep) {
				return true
			}
		}
		state[id] = done
		return false
	}

	for _, s := range steps {
		if visit(s.StepID) {
			return s.StepID
		}
	}
	return ""
}

// PolicyHash returns the canonical hash binding a set of rules and the
// issuance risk ceiling. Plans built under one policy_hash are invalid
// once the rules change, per the cache-invalidation contract.
func (e *Engine) PolicyHash() string {
	ruleView := make([]any, 0, len(e.rules))
	for _, r := range e.rules {
		forbidden := make(canon.Set, 0, len(r.Forbidden))
		for action := range r.Forbidden {
			forbidden = append(forbidden, action)
		}
		flagged := make(canon.Set, 0, len(r.Flagged))
		for action := range r.Flagged {
			flagged = append(flagged, action)
		}
		ruleView = append(ruleView, map[string]any{
			"name":      r.Name,
			"forbidden": forbidden,
			"flagged":   flagged,
		})
	}
	return canon.Hash(map[string]any{
		"max_issuable_risk": int64(e.maxIssuableRisk),
		"rules":             ruleView,
	})
}
