// Package control implements the Orchestrator Control API and
// Provenance Registry: the only legitimate external entry point for
// submitting executions, and the append-only chain of provenance
// records each submission produces. It is structured the way the
// teacher's api.Server registers handlers over a shared Manager, but
// translated from an HTTP/gRPC service boundary to a directly callable
// Go API appropriate for an in-process control plane.
package control

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aegisfabric/aegis/pkg/audit"
	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/clock"
	"github.com/aegisfabric/aegis/pkg/clusterd"
	"github.com/aegisfabric/aegis/pkg/errs"
	"github.com/aegisfabric/aegis/pkg/membership"
	"github.com/aegisfabric/aegis/pkg/metrics"
)

// ProtocolVersion is the version every request body must declare and
// every response must echo.
const ProtocolVersion = "1.0"

// SubmitExecutionRequest is the Control API's inbound submission
// shape. ContractID is mandatory; its absence is a hard ProtocolError.
type SubmitExecutionRequest struct {
	TenantID        string
	ContractID      string
	InputData       map[string]any
	ProtocolVersion string
}

// SubmitExecutionResponse is returned from SubmitExecutionRequest.
type SubmitExecutionResponse struct {
	ExecutionID     string `json:"execution_id"`
	Status          string `json:"status"`
	AuditID         string `json:"audit_id"`
	Timestamp       int64  `json:"timestamp"`
	ProtocolVersion string `json:"protocol_version"`
}

// ProvenanceRecord is one entry in the Provenance Registry's
// per-execution chain.
type ProvenanceRecord struct {
	ExecutionID        string `json:"execution_id"`
	TenantID           string `json:"tenant_id"`
	ContractHash       string `json:"contract_hash"`
	NodeID             string `json:"node_id"`
	ClusterScheduleHash string `json:"cluster_schedule_hash"`
	AuditRoot          string `json:"audit_root"`
	ExecutionProof     string `json:"execution_proof"`
	Timestamp          int64  `json:"timestamp"`
	RecordHash         string `json:"record_hash"`
}

func computeExecutionID(tenantID, contractID, inputHash string, issuedAt int64, protocolVersion string) string {
	h := canon.Hash(map[string]any{
		"tenant_id":        tenantID,
		"contract_id":      contractID,
		"input_hash":       inputHash,
		"issued_at":        issuedAt,
		"protocol_version": protocolVersion,
	})
	return h[:16]
}

func computeRecordHash(r ProvenanceRecord) string {
	return canon.Hash(map[string]any{
		"execution_id":          r.ExecutionID,
		"tenant_id":             r.TenantID,
		"contract_hash":         r.ContractHash,
		"node_id":               r.NodeID,
		"cluster_schedule_hash": r.ClusterScheduleHash,
		"audit_root":            r.AuditRoot,
		"execution_proof":       r.ExecutionProof,
	})
}

// ProvenanceRegistry appends ProvenanceRecords and maintains a
// running chain hash over the canonical list.
type ProvenanceRegistry struct {
	mu      sync.RWMutex
	records []ProvenanceRecord
	byID    map[string]ProvenanceRecord
}

// NewProvenanceRegistry constructs an empty registry.
func NewProvenanceRegistry() *ProvenanceRegistry {
	return &ProvenanceRegistry{byID: make(map[string]ProvenanceRecord)}
}

// Append records r after computing its record hash, and returns the
// updated chain hash over every record appended so far.
func (p *ProvenanceRegistry) Append(r ProvenanceRecord) (chainHash string) {
	r.RecordHash = computeRecordHash(r)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, r)
	p.byID[r.ExecutionID] = r
	return p.chainHashLocked()
}

func (p *ProvenanceRegistry) chainHashLocked() string {
	view := make([]any, 0, len(p.records))
	for _, r := range p.records {
		view = append(view, map[string]any{
			"execution_id": r.ExecutionID,
			"record_hash":  r.RecordHash,
		})
	}
	return canon.Hash(map[string]any{"chain": view})
}

// ChainHash returns the current chain hash.
func (p *ProvenanceRegistry) ChainHash() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.chainHashLocked()
}

// Get returns the provenance record for executionID, if any.
func (p *ProvenanceRegistry) Get(executionID string) (ProvenanceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.byID[executionID]
	return r, ok
}

// VerifyProvenanceChain validates that the record for executionID
// carries the hash recomputed from its fields and has a non-empty
// audit root. It does not check the registry's chain hash.
func (p *ProvenanceRegistry) VerifyProvenanceChain(executionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.byID[executionID]
	if !ok {
		return false
	}
	if r.AuditRoot == "" {
		return false
	}
	return computeRecordHash(ProvenanceRecord{
		ExecutionID:         r.ExecutionID,
		TenantID:            r.TenantID,
		ContractHash:        r.ContractHash,
		NodeID:              r.NodeID,
		ClusterScheduleHash: r.ClusterScheduleHash,
		AuditRoot:           r.AuditRoot,
		ExecutionProof:      r.ExecutionProof,
	}) == r.RecordHash
}

// RecordExecutionProof attaches executionProof to the already-appended
// provenance record for executionID, once the assigned node has
// finished and minted its proof, and recomputes that record's hash.
func (p *ProvenanceRegistry) RecordExecutionProof(executionID, executionProof string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.byID[executionID]
	if !ok {
		return false
	}
	r.ExecutionProof = executionProof
	r.RecordHash = computeRecordHash(r)
	p.byID[executionID] = r
	for i := range p.records {
		if p.records[i].ExecutionID == executionID {
			p.records[i] = r
			break
		}
	}
	return true
}

// API is the Control API: the sole legitimate entry point for
// external submitters. It assigns work via the Membership Authority's
// consistent-hash scheduler and records provenance for every accepted
// submission; a rejected submission records none.
type API struct {
	membership *membership.Authority
	provenance *ProvenanceRegistry
	chain      *audit.Chain
	clk        clock.Clock
}

// NewAPI constructs a Control API bound to its collaborators.
func NewAPI(auth *membership.Authority, provenance *ProvenanceRegistry, chain *audit.Chain, clk clock.Clock) *API {
	return &API{membership: auth, provenance: provenance, chain: chain, clk: clk}
}

// SubmitExecutionRequest validates and records req, assigns it to a
// trusted node, and returns the pending-execution response. ContractID
// absent is a hard ProtocolError, per the mandatory contract-required
// invariant.
func (a *API) SubmitExecutionRequest(req SubmitExecutionRequest) (SubmitExecutionResponse, error) {
	if req.ProtocolVersion == "" {
		req.ProtocolVersion = ProtocolVersion
	}
	if req.ProtocolVersion != ProtocolVersion {
		metrics.ExecutionRequestsTotal.WithLabelValues("protocol_error").Inc()
		return SubmitExecutionResponse{}, errs.Protocol("control: protocol_version %q does not match %q", req.ProtocolVersion, ProtocolVersion)
	}
	if req.ContractID == "" {
		metrics.ExecutionRequestsTotal.WithLabelValues("protocol_error").Inc()
		return SubmitExecutionResponse{}, errs.Protocol("control: contract_id is required")
	}

	now := a.clk.Now().Unix()
	inputHash := canon.Hash(req.InputData)
	executionID := computeExecutionID(req.TenantID, req.ContractID, inputHash, now, req.ProtocolVersion)
	contractHash := canon.Hash(map[string]any{"contract_id": req.ContractID})

	nodeID, err := a.membership.AssignExecution(req.TenantID, req.ContractID)
	if err != nil {
		metrics.ExecutionRequestsTotal.WithLabelValues("no_capacity").Inc()
		return SubmitExecutionResponse{}, err
	}

	reachable, err := a.membership.ReachableNodeIDs()
	if err != nil {
		return SubmitExecutionResponse{}, err
	}
	schedule := clusterd.CreateSchedule(req.TenantID, []string{req.ContractID}, reachable, nil, now)

	auditEvent := a.chain.Emit(audit.EventExecutionStarted, map[string]string{
		"execution_id": executionID,
		"contract_id":  req.ContractID,
		"tenant_id":    req.TenantID,
	})

	a.provenance.Append(ProvenanceRecord{
		ExecutionID:         executionID,
		TenantID:            req.TenantID,
		ContractHash:        contractHash,
		NodeID:              nodeID,
		ClusterScheduleHash: schedule.ScheduleHash,
		AuditRoot:           a.chain.Root(),
		Timestamp:           now,
	})

	metrics.ExecutionRequestsTotal.WithLabelValues("pending").Inc()

	return SubmitExecutionResponse{
		ExecutionID:     executionID,
		Status:          "pending",
		AuditID:         formatAuditID(auditEvent.Seq),
		Timestamp:       now,
		ProtocolVersion: req.ProtocolVersion,
	}, nil
}

func formatAuditID(seq uint64) string {
	return fmt.Sprintf("audit-%d", seq)
}

// QueryExecutionStatus returns the provenance record recorded for
// executionID, if any has been recorded.
func (a *API) QueryExecutionStatus(executionID string) (ProvenanceRecord, bool) {
	return a.provenance.Get(executionID)
}

// RetrieveExecutionProof returns the execution proof string recorded
// against executionID's provenance record, if present.
func (a *API) RetrieveExecutionProof(executionID string) (string, bool) {
	r, ok := a.provenance.Get(executionID)
	if !ok {
		return "", false
	}
	return r.ExecutionProof, true
}

// ListClusterNodes returns the sorted node ids of every registered
// trusted node, reachable or not.
func (a *API) ListClusterNodes() ([]string, error) {
	nodes, err := a.membership.ListTrustedNodes()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.NodeID)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetClusterRoot returns the local audit chain's current Merkle root.
func (a *API) GetClusterRoot() string {
	return a.chain.Root()
}

// GetAuditLog returns every audit event recorded so far.
func (a *API) GetAuditLog() []audit.Event {
	return a.chain.Events()
}

// RecordExecutionProof attaches a node's minted execution proof to
// executionID's provenance record.
func (a *API) RecordExecutionProof(executionID, executionProof string) bool {
	return a.provenance.RecordExecutionProof(executionID, executionProof)
}
