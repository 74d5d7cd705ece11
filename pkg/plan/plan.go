// Package plan implements the Deterministic Planner: five pure
// stages (parse, filter, validate, truncate, build) that turn a task
// description into an immutable Plan whose hash is stable across
// nodes and time given identical inputs. Nothing here reads the wall
// clock or unseeded randomness.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/capability"
)

// Step is an immutable unit of work inside a Plan.
type Step struct {
	StepID               string   `json:"step_id"`
	Action               string   `json:"action"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Parameters           map[string]any `json:"parameters"`
	Order                int      `json:"order"`
}

// Plan is the immutable output of the planner.
type Plan struct {
	PlanID               string `json:"plan_id"`
	TaskID               string `json:"task_id"`
	Steps                []Step `json:"steps"`
	RequiredCapabilities []string `json:"required_capabilities"`
	PolicyHash           string `json:"policy_hash"`
	ExecutionSeed        int64  `json:"execution_seed"`
	CreatedAt            int64  `json:"created_at"`
	PlanHash             string `json:"plan_hash"`
}

// Constraints bound what the planner may produce.
type Constraints struct {
	AllowedCapabilities []string
	MaxSteps            int
	MaxDepth            int
	PolicyHash          string
}

// candidateStep is the parser's intermediate representation before
// filtering/validation collapses it into a Step.
type candidateStep struct {
	index                int
	action               string
	requiredCapabilities []string
	parameters           map[string]any
}

// TaskDescription is the planner's input shape: a task plus the
// caller-supplied breakdown into action requests. The planner derives
// nothing from free text; no keyword or AST mapping is applied, so the
// same action list in always yields the same candidate steps out.
type TaskDescription struct {
	TaskID  string
	Actions []ActionRequest
}

// ActionRequest is one atomic action the task description asks for,
// in the order the requester listed it.
type ActionRequest struct {
	Action               string
	RequiredCapabilities []string
	Parameters           map[string]any
}

func deriveStepID(taskID string, order int, action string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", taskID, order, action)))
	return hex.EncodeToString(sum[:])[:16]
}

func derivePlanID(taskID string, seed int64, policyHash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", taskID, seed, policyHash)))
	return hex.EncodeToString(sum[:])[:16]
}

// Planner runs the five-stage pipeline and caches results keyed by a
// canonical hash of (task, constraints, caps, seed). The cache is a
// pure optimization: a cache hit and a fresh recomputation must be
// byte-identical.
type Planner struct {
	mu    sync.Mutex
	cache map[string]*Plan
}

// NewPlanner returns an empty Planner.
func NewPlanner() *Planner {
	return &Planner{cache: make(map[string]*Plan)}
}

// Violation records one reason a candidate step was dropped or the
// plan was truncated.
type Violation struct {
	StepIndex   int
	Description string
}

// Result bundles the built plan with every violation surfaced along
// the way, mirroring the Policy Engine's ValidationResult shape.
type Result struct {
	Plan       *Plan
	Violations []Violation
}

func cacheKey(task TaskDescription, constraints Constraints, grantedCaps []string, seed int64) string {
	return canon.Hash(map[string]any{
		"task_id":              task.TaskID,
		"actions":              actionsView(task.Actions),
		"allowed_capabilities": canon.Set(constraints.AllowedCapabilities),
		"granted_capabilities": canon.Set(grantedCaps),
		"max_steps":            int64(constraints.MaxSteps),
		"max_depth":            int64(constraints.MaxDepth),
		"policy_hash":          constraints.PolicyHash,
		"seed":                 seed,
	})
}

func actionsView(actions []ActionRequest) []any {
	out := make([]any, 0, len(actions))
	for _, a := range actions {
		out = append(out, map[string]any{
			"action":                a.Action,
			"required_capabilities": canon.Set(a.RequiredCapabilities),
			"parameters":            a.Parameters,
		})
	}
	return out
}

// Plan runs the five-stage pipeline for task under constraints, given
// the tenant's granted capabilities and an execution seed. If the
// identical input has been planned before, the cached Plan is
// returned unchanged.
func (p *Planner) Plan(task TaskDescription, constraints Constraints, grantedCaps []string, seed int64) Result {
	key := cacheKey(task, constraints, grantedCaps, seed)

	p.mu.Lock()
	if cached, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return Result{Plan: cached}
	}
	p.mu.Unlock()

	result := p.build(task, constraints, grantedCaps, seed)

	if result.Plan != nil {
		p.mu.Lock()
		p.cache[key] = result.Plan
		p.mu.Unlock()
	}

	return result
}

func (p *Planner) build(task TaskDescription, constraints Constraints, grantedCaps []string, seed int64) Result {
	var violations []Violation

	// 1. Parse: each of the task's action requests becomes one
	// candidate step, in listed order.
	candidates := make([]candidateStep, 0, len(task.Actions))
	for i, a := range task.Actions {
		candidates = append(candidates, candidateStep{
			index:                i,
			action:               a.Action,
			requiredCapabilities: a.RequiredCapabilities,
			parameters:           a.Parameters,
		})
	}

	// 2. Filter: drop steps whose required capabilities are not in
	// allowed_capabilities.
	allowed := make(map[string]bool, len(constraints.AllowedCapabilities))
	for _, c := range constraints.AllowedCapabilities {
		allowed[c] = true
	}
	filtered := candidates[:0:0]
	for _, c := range candidates {
		ok := true
		for _, req := range c.requiredCapabilities {
			if !allowed[req] {
				ok = false
				violations = append(violations, Violation{
					StepIndex:   c.index,
					Description: "required capability not allowed: " + req,
				})
				break
			}
		}
		if ok {
			filtered = append(filtered, c)
		}
	}

	// 3. Validate: surviving steps must also be covered by the
	// tenant's granted capabilities (workflow policy's capability
	// check, mirrored here so the planner never hands the sandbox a
	// step it already knows will be denied).
	granted := make(map[string]bool, len(grantedCaps))
	for _, c := range grantedCaps {
		granted[c] = true
	}
	validated := filtered[:0:0]
	for _, c := range filtered {
		ok := true
		for _, req := range c.requiredCapabilities {
			if !granted[req] {
				ok = false
				violations = append(violations, Violation{
					StepIndex:   c.index,
					Description: "required capability not granted: " + req,
				})
				break
			}
		}
		if ok {
			validated = append(validated, c)
		}
	}

	// 4. Truncate to max_steps.
	if constraints.MaxSteps > 0 && len(validated) > constraints.MaxSteps {
		violations = append(violations, Violation{
			Description: fmt.Sprintf("Plan truncated to %d steps", constraints.MaxSteps),
		})
		validated = validated[:constraints.MaxSteps]
	}

	// 5. Build: assemble the immutable Plan, ordered by original index.
	sort.Slice(validated, func(i, j int) bool { return validated[i].index < validated[j].index })

	steps := make([]Step, 0, len(validated))
	requiredSet := map[string]bool{}
	for order, c := range validated {
		steps = append(steps, Step{
			StepID:               deriveStepID(task.TaskID, order, c.action),
			Action:               c.action,
			RequiredCapabilities: c.requiredCapabilities,
			Parameters:           c.parameters,
			Order:                order,
		})
		for _, req := range c.requiredCapabilities {
			requiredSet[req] = true
		}
	}

	required := make([]string, 0, len(requiredSet))
	for r := range requiredSet {
		required = append(required, r)
	}

	pl := &Plan{
		PlanID:               derivePlanID(task.TaskID, seed, constraints.PolicyHash),
		TaskID:               task.TaskID,
		Steps:                steps,
		RequiredCapabilities: required,
		PolicyHash:           constraints.PolicyHash,
		ExecutionSeed:        seed,
		CreatedAt:            0, // deliberately excluded from the hash; see PlanHash
	}
	pl.PlanHash = computePlanHash(pl)

	return Result{Plan: pl, Violations: violations}
}

// computePlanHash is SHA-256 over the canonicalization of everything
// except wall-clock fields (created_at is never fed in).
func computePlanHash(p *Plan) string {
	stepsView := make([]any, 0, len(p.Steps))
	for _, s := range p.Steps {
		stepsView = append(stepsView, map[string]any{
			"step_id":               s.StepID,
			"action":                s.Action,
			"required_capabilities": canon.Set(s.RequiredCapabilities),
			"parameters":            s.Parameters,
			"order":                 int64(s.Order),
		})
	}
	return canon.Hash(map[string]any{
		"plan_id":               p.PlanID,
		"task_id":               p.TaskID,
		"steps":                 stepsView,
		"required_capabilities": canon.Set(p.RequiredCapabilities),
		"policy_hash":           p.PolicyHash,
		"execution_seed":        p.ExecutionSeed,
	})
}

// DeriveSeed derives a deterministic execution seed from a tenant id
// and a sorted set of task ids, used when the caller does not supply
// one explicitly (§4.11's "if seed absent, derive" contract, reused
// here for planning as well as scheduling).
func DeriveSeed(tenantID string, taskIDs []string) int64 {
	sorted := append([]string(nil), taskIDs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(tenantID + ":" + strings.Join(sorted, ",")))
	return int64(hex64(sum[:8]))
}

func hex64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v & 0x7fffffffffffffff
}

// AsWorkflowSteps converts a built Plan into the shape the Policy
// Engine's workflow check expects, so a node can re-validate a
// cached plan against the engine without re-deriving step shapes.
func (p *Plan) AsWorkflowSteps() []capability.WorkflowStep {
	out := make([]capability.WorkflowStep, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, capability.WorkflowStep{
			StepID:               s.StepID,
			Action:               s.Action,
			RequiredCapabilities: s.RequiredCapabilities,
		})
	}
	return out
}
