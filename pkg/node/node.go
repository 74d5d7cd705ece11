// Package node implements the Execution Node: the per-node binding of
// token verification, capability policy, the deterministic planner,
// the sandbox, and the audit chain behind a single public contract,
// Execute(request) -> result. It plays the role the teacher's worker
// package plays for a container task — accept, validate, run, report
// — generalized from "run a container" to "run a capability-governed
// plan and mint a hash-based proof of having done so."
package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisfabric/aegis/pkg/approval"
	"github.com/aegisfabric/aegis/pkg/audit"
	"github.com/aegisfabric/aegis/pkg/capability"
	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/clock"
	"github.com/aegisfabric/aegis/pkg/domain"
	"github.com/aegisfabric/aegis/pkg/errs"
	"github.com/aegisfabric/aegis/pkg/metrics"
	"github.com/aegisfabric/aegis/pkg/plan"
	"github.com/aegisfabric/aegis/pkg/sandbox"
	"github.com/aegisfabric/aegis/pkg/token"
)

// ProtocolVersion is the version this node negotiates and expects
// every incoming request to declare.
const ProtocolVersion = "1.0"

// Descriptor is this node's stable identity as known to the
// Membership Authority.
type Descriptor struct {
	NodeID     string `json:"node_id"`
	Name       string `json:"name"`
	PublicKey  string `json:"public_key"`
	TrustLevel int    `json:"trust_level"`
}

// ExecutionRequest is the inbound shape Execute accepts.
type ExecutionRequest struct {
	ContractID      string
	TenantID        string
	ProtocolVersion string
	Token           token.Token
	Task            plan.TaskDescription
	Constraints     plan.Constraints
	Quota           domain.QuotaSpec
	Seed            int64

	// CheckpointID, when set, is a pre-created checkpoint the Rollback
	// hook restores on step or registration failure. AgentID/SessionID
	// identify it when the node must mint one itself.
	CheckpointID      string
	AgentID           string
	SessionID         string
	ClusterWideRollback bool
}

// ExecutionProof attests that ContractID was executed on NodeID with
// a given execution hash and audit root, per spec.md's Orchestrator /
// Runtime Bridge contract. It carries no signature: VerifyRemoteExecution
// checks only its fields and that audit_root is recomputable from
// execution_hash.
type ExecutionProof struct {
	ProofID       string `json:"proof_id"`
	NodeID        string `json:"node_id"`
	ContractID    string `json:"contract_id"`
	ExecutionHash string `json:"execution_hash"`
	AuditRoot     string `json:"audit_root"`
	Timestamp     int64  `json:"timestamp"`
}

// ExecuteResult bundles the sandbox's result with its proof and, when
// a failure triggered one, the outcome of the Rollback hook.
type ExecuteResult struct {
	sandbox.ExecutionResult
	Proof             ExecutionProof `json:"proof"`
	Status            string         `json:"status,omitempty"`
	RollbackExecuted  bool           `json:"rollback_executed,omitempty"`
	ClusterRollback   bool           `json:"cluster_rollback,omitempty"`
	NodesAffected     int            `json:"nodes_affected,omitempty"`
}

func computeExecutionHash(contractID string, input map[string]any, protocolVersion string) string {
	return canon.Hash(map[string]any{
		"contract_id":      contractID,
		"input":            input,
		"protocol_version": protocolVersion,
	})
}

func computeAuditRoot(executionHash, protocolVersion string) string {
	return canon.Hash(map[string]any{
		"execution_hash":   executionHash,
		"protocol_version": protocolVersion,
	})
}

func deriveProofID(nodeID, contractID string, timestamp int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", nodeID, contractID, timestamp)))
	return hex.EncodeToString(sum[:])[:16]
}

// Node is the Execution Node. It is safe for concurrent use; each
// Execute call builds a fresh Execution Domain and QuotaTracker so no
// state leaks between tenants or requests.
type Node struct {
	descriptor Descriptor
	tokens     *token.Manager
	policy     *capability.Engine
	registry   *capability.Registry
	planner    *plan.Planner
	sandbox    *sandbox.Sandbox
	chain      *audit.Chain
	clk        clock.Clock

	approvals   *approval.Queue
	checkpoints approval.CheckpointProvider
	clusterMgr  approval.NodeLister

	mu            sync.RWMutex
	lastHeartbeat time.Time
	proofs        map[string]ExecutionProof
}

// Config wires a Node's collaborators. Registry, Approvals,
// Checkpoints, and ClusterManager are optional: a nil Registry skips
// risk-based approval gating (every capability is treated as lowest
// risk), a nil Approvals makes RequiresApproval a hard denial rather
// than a park, a nil Checkpoints means rollback is not attempted on
// failure, and a nil ClusterManager makes a requested cluster-wide
// rollback return an error after the local restore.
type Config struct {
	Descriptor     Descriptor
	Tokens         *token.Manager
	Policy         *capability.Engine
	Registry       *capability.Registry
	Planner        *plan.Planner
	Sandbox        *sandbox.Sandbox
	Chain          *audit.Chain
	Clock          clock.Clock
	Approvals      *approval.Queue
	Checkpoints    approval.CheckpointProvider
	ClusterManager approval.NodeLister
}

// New constructs a Node from cfg.
func New(cfg Config) *Node {
	return &Node{
		descriptor:  cfg.Descriptor,
		tokens:      cfg.Tokens,
		policy:      cfg.Policy,
		registry:    cfg.Registry,
		planner:     cfg.Planner,
		sandbox:     cfg.Sandbox,
		chain:       cfg.Chain,
		clk:         cfg.Clock,
		approvals:   cfg.Approvals,
		checkpoints: cfg.Checkpoints,
		clusterMgr:  cfg.ClusterManager,
		proofs:      make(map[string]ExecutionProof),
	}
}

// Heartbeat records that this node is alive at the current time;
// callers forward this to the Membership Authority on an interval.
func (n *Node) Heartbeat() {
	n.mu.Lock()
	n.lastHeartbeat = n.clk.Now()
	n.mu.Unlock()
}

// LastHeartbeat returns the last time Heartbeat was called.
func (n *Node) LastHeartbeat() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastHeartbeat
}

type tokenVerifier struct {
	manager    *token.Manager
	tok        token.Token
	grantedSet map[string]bool
}

func (v tokenVerifier) VerifyGrant(cap string) error {
	if !v.grantedSet[cap] {
		return errs.Capability("capability %s not covered by attached token", cap)
	}
	return v.manager.Verify(v.tok)
}

// Execute runs the full Execution Node contract against req: protocol
// version check, token verification, planning under policy, sandboxed
// execution inside a fresh domain, audit emission per phase, and an
// unsigned, hash-based ExecutionProof on return.
func (n *Node) Execute(ctx context.Context, req ExecutionRequest) (ExecuteResult, error) {
	if req.ProtocolVersion != ProtocolVersion {
		n.chain.Emit(audit.EventCapabilityDenied, map[string]string{
			"reason":      "protocol_version_mismatch",
			"contract_id": req.ContractID,
		})
		return ExecuteResult{}, errs.Protocol("node: protocol_version %q does not match negotiated %q", req.ProtocolVersion, ProtocolVersion)
	}

	if err := n.tokens.Verify(req.Token); err != nil {
		n.chain.Emit(audit.EventCapabilityDenied, map[string]string{
			"reason":      "token_verification_failed",
			"contract_id": req.ContractID,
		})
		metrics.CapabilitiesDeniedTotal.WithLabelValues("token_verification_failed").Inc()
		return ExecuteResult{}, errs.Capability("node: token verification failed: %v", err)
	}
	n.chain.Emit(audit.EventCapabilityVerified, map[string]string{
		"token_id":    req.Token.TokenID,
		"contract_id": req.ContractID,
	})

	grantedCaps := []string{req.Token.Capability}

	planResult := n.planner.Plan(req.Task, req.Constraints, grantedCaps, req.Seed)
	if planResult.Plan == nil {
		n.chain.Emit(audit.EventCapabilityDenied, map[string]string{
			"reason":      "plan_build_failed",
			"contract_id": req.ContractID,
		})
		return ExecuteResult{}, errs.Policy("node: planner produced no plan for task %s", req.Task.TaskID)
	}

	validation := n.policy.EvaluateWorkflow(planResult.Plan.AsWorkflowSteps(), grantedCaps)
	if !validation.OK {
		n.chain.Emit(audit.EventCapabilityDenied, map[string]string{
			"reason":      "policy_validation_failed",
			"contract_id": req.ContractID,
		})
		metrics.CapabilitiesDeniedTotal.WithLabelValues("policy_validation_failed").Inc()
		return ExecuteResult{}, errs.Policy("node: plan for task %s failed policy validation", req.Task.TaskID)
	}
	n.chain.Emit(audit.EventPlanBuilt, map[string]string{
		"plan_id":     planResult.Plan.PlanID,
		"plan_hash":   planResult.Plan.PlanHash,
		"contract_id": req.ContractID,
	})

	if err := n.gateApproval(req, planResult.Plan); err != nil {
		return ExecuteResult{}, err
	}

	domainID := uuid.NewString()
	dom := domain.NewExecutionDomain(domainID, req.TenantID, grantedCaps)

	tenantCtx := domain.TenantContext{
		TenantID:           req.TenantID,
		DomainID:           domainID,
		IssuedCapabilities: grantedCaps,
		Quota:              req.Quota,
	}
	quotaTracker := tenantCtx.NewQuotaTracker()

	grantedSet := make(map[string]bool, len(grantedCaps))
	for _, c := range grantedCaps {
		grantedSet[c] = true
	}
	ectx := sandbox.ExecutionContext{
		TenantID:            req.TenantID,
		GrantedCapabilities: grantedCaps,
		Verifier:            tokenVerifier{manager: n.tokens, tok: req.Token, grantedSet: grantedSet},
	}

	n.chain.Emit(audit.EventExecutionStarted, map[string]string{
		"contract_id": req.ContractID,
		"domain_id":   domainID,
	})

	result := n.sandbox.Run(ctx, planResult.Plan, ectx, dom, quotaTracker)

	for _, step := range result.Trace {
		if step.Success {
			n.chain.Emit(audit.EventStepCompleted, map[string]string{"step_id": step.StepID, "action": step.Action})
		} else {
			n.chain.Emit(audit.EventStepFailed, map[string]string{"step_id": step.StepID, "action": step.Action, "error": step.Error})
		}
	}

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.SandboxExecutionsTotal.WithLabelValues(outcome).Inc()

	n.chain.Emit(audit.EventExecutionCompleted, map[string]string{
		"contract_id": req.ContractID,
		"success":     boolString(result.Success),
		"state_hash":  result.StateHash,
	})

	proof := n.mintProof(req.ContractID, map[string]any{"task_id": req.Task.TaskID})
	execResult := ExecuteResult{ExecutionResult: result, Proof: proof}

	if !result.Success && n.checkpoints != nil {
		checkpointID := req.CheckpointID
		if checkpointID == "" {
			var ckErr error
			checkpointID, ckErr = n.checkpoints.CreateCheckpoint(req.AgentID, req.SessionID)
			if ckErr != nil {
				return execResult, errs.Integrity(ckErr, "node: failed to create checkpoint for rollback")
			}
		}
		rollback, err := approval.Rollback(n.chain, n.checkpoints, n.clusterMgr, checkpointID, req.ClusterWideRollback)
		if err != nil {
			return execResult, err
		}
		execResult.RollbackExecuted = rollback.Success
		execResult.ClusterRollback = rollback.ClusterWide
		execResult.NodesAffected = rollback.NodesAffected
	}

	return execResult, nil
}

// gateApproval answers the Human-Approval Gate's disjunction
// (risk_level >= 3 OR policy-flagged) for p's required capabilities,
// then consults the approval queue if either signal fires. A nil
// Registry treats every capability as lowest risk; a nil Approvals
// queue makes a required approval a hard denial rather than a park.
func (n *Node) gateApproval(req ExecutionRequest, p *plan.Plan) error {
	maxRisk := capability.RiskLow
	if n.registry != nil {
		for _, c := range p.RequiredCapabilities {
			meta, err := n.registry.GetMetadata(capability.CapabilityString(c).NamespaceAction())
			if err != nil {
				continue
			}
			if meta.Risk > maxRisk {
				maxRisk = meta.Risk
			}
		}
	}

	policyFlagged := false
	if n.policy != nil {
		policyFlagged = n.policy.PolicyFlagged(p.AsWorkflowSteps())
	}

	if !approval.RequiresApproval(maxRisk, policyFlagged) {
		return nil
	}

	if n.approvals == nil {
		n.chain.Emit(audit.EventCapabilityDenied, map[string]string{
			"reason":      "approval_required_no_queue",
			"contract_id": req.ContractID,
		})
		return errs.Approval("node: task %s requires approval but no approval queue is configured", req.Task.TaskID)
	}

	return n.approvals.Gate(approval.Request{
		TaskID:        req.Task.TaskID,
		TenantID:      req.TenantID,
		RiskLevel:     maxRisk,
		PolicyFlagged: policyFlagged,
		Timestamp:     n.clk.Now().Unix(),
	})
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// mintProof computes and indexes an ExecutionProof for contractID,
// per the Orchestrator / Runtime Bridge contract.
func (n *Node) mintProof(contractID string, input map[string]any) ExecutionProof {
	executionHash := computeExecutionHash(contractID, input, ProtocolVersion)
	auditRoot := computeAuditRoot(executionHash, ProtocolVersion)
	now := n.clk.Now().UnixNano()

	proof := ExecutionProof{
		ProofID:       deriveProofID(n.descriptor.NodeID, contractID, now),
		NodeID:        n.descriptor.NodeID,
		ContractID:    contractID,
		ExecutionHash: executionHash,
		AuditRoot:     auditRoot,
		Timestamp:     now,
	}

	n.mu.Lock()
	n.proofs[proof.ProofID] = proof
	n.mu.Unlock()
	return proof
}

// GetProof retrieves a previously minted proof by id.
func (n *Node) GetProof(proofID string) (ExecutionProof, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.proofs[proofID]
	return p, ok
}

// VerifyRemoteExecution checks that a proof from (possibly) another
// node is well-formed: its protocol version is recognized and its
// audit_root matches the recomputation from its own execution_hash.
func VerifyRemoteExecution(proof ExecutionProof, protocolVersion string) bool {
	if protocolVersion != ProtocolVersion {
		return false
	}
	if proof.ProofID == "" || proof.NodeID == "" || proof.ContractID == "" {
		return false
	}
	return proof.AuditRoot == computeAuditRoot(proof.ExecutionHash, protocolVersion)
}
