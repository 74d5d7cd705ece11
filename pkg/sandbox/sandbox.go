// Package sandbox implements the Deterministic Sandbox: the runtime
// boundary a Plan executes inside. It keeps the teacher runtime
// package's precondition-then-resource-limit-then-run shape (domain
// check, then capability check, then quota check, then execute) but
// replaces containerd process isolation with an in-process, pure step
// runner whose output hash depends on nothing but its inputs — no
// wall-clock, no node identity, no unseeded randomness. Quota shape
// follows opencontainers/runtime-spec's LinuxResources so the same
// fields a container runtime would enforce map directly onto the
// logical sandbox budget.
package sandbox

import (
	"context"
	"sort"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/domain"
	"github.com/aegisfabric/aegis/pkg/errs"
	"github.com/aegisfabric/aegis/pkg/plan"
)

// Verifier is the narrow capability-verification contract the
// sandbox needs from pkg/token, kept as an interface so tests can
// substitute a fake without standing up a Manager.
type Verifier interface {
	VerifyGrant(capability string) error
}

// StepRunner executes one plan step's side effect. Production wiring
// binds this to the skill/tool dispatcher; tests bind it to a stub.
// A StepRunner must be pure with respect to seed: given the same
// step and seed it must behave identically on every call.
type StepRunner func(ctx context.Context, step plan.Step, seed int64) error

// Quota mirrors opencontainers' LinuxResources shape for the budget
// fields the sandbox actually enforces; Resources is carried for
// parity with the runtime-spec consumers downstream (e.g. an
// execution node that also launches a real OCI sandbox process for
// untrusted skills).
type Quota struct {
	MaxCPUSeconds      float64
	MaxMemoryBytes     int64
	MaxWallSeconds     float64
	MaxSteps           int
	MaxCapabilityCalls int
	Resources          *specs.LinuxResources
}

// ExecutionContext carries everything run/replay needs beyond the
// plan itself: the capability tokens attached to the request and the
// tenant this execution belongs to.
type ExecutionContext struct {
	TenantID           string
	GrantedCapabilities []string
	Verifier           Verifier
}

// StepEvent is one entry in the per-sandbox trace.
type StepEvent struct {
	StepID            string `json:"step_id"`
	Action            string `json:"action"`
	Success           bool   `json:"success"`
	TimestampAtStart  int64  `json:"timestamp_at_start"`
	Error             string `json:"error,omitempty"`
}

// ExecutionResult is the sandbox's public output.
type ExecutionResult struct {
	Success          bool        `json:"success"`
	PlanHash         string      `json:"plan_hash"`
	Trace            []StepEvent `json:"trace"`
	UsedCapabilities []string    `json:"used_capabilities"`
	StateHash        string      `json:"state_hash"`
	Error            string      `json:"error,omitempty"`
}

// Sandbox runs a single Plan to completion or first failure. It holds
// no execution state between runs — all per-run state lives on the
// QuotaTracker and trace slice built fresh inside Run/Replay.
type Sandbox struct {
	runner StepRunner
	clk    nowFunc
}

type nowFunc func() int64

// New builds a Sandbox. runner executes each step's side effect; now
// supplies the wall-clock timestamp recorded on each trace event
// (never fed into state_hash).
func New(runner StepRunner, now func() int64) *Sandbox {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Sandbox{runner: runner, clk: now}
}

// Run executes p under ectx inside dom, enforcing domain, capability,
// and quota preconditions in that order, then executing each step.
func (s *Sandbox) Run(ctx context.Context, p *plan.Plan, ectx ExecutionContext, dom domain.ExecutionDomain, q *domain.QuotaTracker) ExecutionResult {
	// 1. Domain precondition: tenant match, domain well-formed.
	if dom.TenantID != ectx.TenantID {
		return failResult(p, errs.Domain("tenant mismatch: domain=%s context=%s", dom.TenantID, ectx.TenantID))
	}
	if dom.DomainID == "" {
		return failResult(p, errs.Domain("execution domain is not well-formed: empty domain_id"))
	}

	// 2. Capability precondition: every capability required anywhere
	// in the plan must be in-scope for the domain.
	for _, req := range p.RequiredCapabilities {
		if !dom.HasCapability(req) {
			return failResult(p, errs.Capability("capability out of domain scope: %s", req))
		}
	}

	// 3. Quota precondition: the step budget must at least cover the
	// plan's step count; a plan with more steps than remaining budget
	// is rejected before any step runs. The capability-call budget is
	// only checked per call inside the step loop.
	if q.RemainingSteps() < len(p.Steps) {
		return failResult(p, errs.Quota("insufficient step quota: need %d, have %d", len(p.Steps), q.RemainingSteps()))
	}

	var trace []StepEvent
	usedCaps := map[string]bool{}
	success := true
	var failErr error

	for _, step := range p.Steps {
		select {
		case <-ctx.Done():
			trace = append(trace, StepEvent{StepID: step.StepID, Action: step.Action, Success: false, TimestampAtStart: s.clk(), Error: "cancelled"})
			return ExecutionResult{Success: false, PlanHash: p.PlanHash, Trace: trace, UsedCapabilities: sortedKeys(usedCaps), StateHash: computeStateHash(trace, usedCaps), Error: "cancelled"}
		default:
		}

		if !q.CheckAndConsumeStep() {
			failErr = errs.Quota("step quota exhausted at step %s", step.StepID)
			trace = append(trace, StepEvent{StepID: step.StepID, Action: step.Action, Success: false, TimestampAtStart: s.clk(), Error: failErr.Error()})
			success = false
			break
		}

		stepOK := true
		for _, req := range step.RequiredCapabilities {
			if !dom.HasCapability(req) {
				failErr = errs.Capability("step %s: capability out of domain scope: %s", step.StepID, req)
				stepOK = false
				break
			}
			if ectx.Verifier != nil {
				if err := ectx.Verifier.VerifyGrant(req); err != nil {
					failErr = errs.Capability("step %s: capability denied: %s", step.StepID, req)
					stepOK = false
					break
				}
			}
			if !q.CheckAndConsumeCapabilityCall() {
				failErr = errs.Quota("capability-call quota exhausted at step %s", step.StepID)
				stepOK = false
				break
			}
			usedCaps[req] = true
		}

		if stepOK && s.runner != nil {
			if err := s.runner(ctx, step, p.ExecutionSeed); err != nil {
				failErr = err
				stepOK = false
			}
		}

		ts := s.clk()
		if stepOK {
			trace = append(trace, StepEvent{StepID: step.StepID, Action: step.Action, Success: true, TimestampAtStart: ts})
			continue
		}

		trace = append(trace, StepEvent{StepID: step.StepID, Action: step.Action, Success: false, TimestampAtStart: ts, Error: failErr.Error()})
		success = false
		break
	}

	result := ExecutionResult{
		Success:          success,
		PlanHash:         p.PlanHash,
		Trace:            trace,
		UsedCapabilities: sortedKeys(usedCaps),
		StateHash:        computeStateHash(trace, usedCaps),
	}
	if failErr != nil {
		result.Error = failErr.Error()
	}
	return result
}

// Replay re-runs p under identical ectx/dom/quota, asserting nothing
// implicit changed: the caller is expected to compare the returned
// StateHash against a previously recorded one.
func (s *Sandbox) Replay(ctx context.Context, p *plan.Plan, ectx ExecutionContext, dom domain.ExecutionDomain, q *domain.QuotaTracker) ExecutionResult {
	return s.Run(ctx, p, ectx, dom, q)
}

func failResult(p *plan.Plan, err error) ExecutionResult {
	return ExecutionResult{Success: false, PlanHash: p.PlanHash, Error: err.Error(), StateHash: computeStateHash(nil, nil)}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// computeStateHash implements §4.6's state_hash: SHA-256 over the
// canonicalization of trace events stripped to {step_id, success}
// plus the sorted used-capabilities set. Wall-clock and node identity
// never enter this computation.
func computeStateHash(trace []StepEvent, usedCaps map[string]bool) string {
	strippedTrace := make([]any, 0, len(trace))
	for _, e := range trace {
		strippedTrace = append(strippedTrace, map[string]any{
			"step_id": e.StepID,
			"success": e.Success,
		})
	}
	return canon.Hash(map[string]any{
		"trace_events":      strippedTrace,
		"used_capabilities": canon.Set(sortedKeys(usedCaps)),
	})
}
