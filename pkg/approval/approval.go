// Package approval implements the Human-Approval Gate and the
// Rollback/Checkpoint hooks described in spec.md §4.16. The gate is
// consulted synchronously before a plan enters the Sandbox; its queue
// is ordered the same deterministic way the rest of the fabric orders
// anything user-facing — no wall-clock-only tiebreaks, no unsorted
// iteration. Rollback is this package's analogue of the teacher's
// worker-side failure recovery: on any step or registration failure,
// restore a pre-created checkpoint, optionally reporting the number of
// reachable nodes a cluster-wide rollback covers.
package approval

import (
	"sort"
	"strconv"
	"sync"

	"github.com/aegisfabric/aegis/pkg/audit"
	"github.com/aegisfabric/aegis/pkg/capability"
	"github.com/aegisfabric/aegis/pkg/errs"
	"github.com/aegisfabric/aegis/pkg/metrics"
)

// Status is the lifecycle state of one approval request.
type Status string

const (
	StatusPending  Status = "pending_approval"
	StatusApproved Status = "approved"
	StatusDenied   Status = "approval_denied"
)

// Request is one item parked in the queue awaiting a human decision.
type Request struct {
	TaskID        string
	TenantID      string
	RiskLevel     capability.RiskLevel
	PolicyFlagged bool
	Reason        string
	Timestamp     int64
}

// Decision is what an approver recorded for a Request.
type Decision struct {
	Approved  bool
	Approver  string
	Timestamp int64
}

// RequiresApproval resolves spec.md's Open Question on risk-vs-policy
// gating as a disjunction: either signal alone routes the execution to
// the approval queue. Treating them independently catches more
// genuinely risky requests than requiring both to agree.
func RequiresApproval(risk capability.RiskLevel, policyFlagged bool) bool {
	return risk >= capability.RiskElevated || policyFlagged
}

// Queue holds pending approval requests and resolved decisions. It is
// consulted synchronously by the Execution Node before a plan is
// handed to the Sandbox, and its pending view is always returned
// sorted by (timestamp, task_id) so two callers observing it at the
// same instant see the same order.
type Queue struct {
	mu      sync.Mutex
	pending map[string]Request
	decided map[string]Decision
}

// NewQueue returns an empty approval queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[string]Request), decided: make(map[string]Decision)}
}

// Submit parks req for human review. Re-submitting a task_id that
// already has a recorded decision is a no-op against that decision;
// the caller should check Status first.
func (q *Queue) Submit(req Request) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, decided := q.decided[req.TaskID]; decided {
		return q.statusLocked(req.TaskID)
	}
	q.pending[req.TaskID] = req
	metrics.ApprovalsPendingTotal.Set(float64(len(q.pending)))
	return StatusPending
}

// List returns every currently pending request, sorted deterministically
// by (timestamp, task_id).
func (q *Queue) List() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, 0, len(q.pending))
	for _, r := range q.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Decide records approver's decision for taskID, moving it out of the
// pending set. Deciding a task_id with no pending request still
// records the decision, so a late Gate call observes it.
func (q *Queue) Decide(taskID string, approved bool, approver string, timestamp int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, taskID)
	q.decided[taskID] = Decision{Approved: approved, Approver: approver, Timestamp: timestamp}
	metrics.ApprovalsPendingTotal.Set(float64(len(q.pending)))
}

func (q *Queue) statusLocked(taskID string) Status {
	if d, ok := q.decided[taskID]; ok {
		if d.Approved {
			return StatusApproved
		}
		return StatusDenied
	}
	return StatusPending
}

// Status reports the current status of taskID and its decision, if
// one has been recorded.
func (q *Queue) Status(taskID string) (Decision, Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.decided[taskID], q.statusLocked(taskID)
}

// Gate is the synchronous check the Execution Node makes before
// entering the Sandbox: nil means proceed, an errs.Approval means the
// task was denied, an errs.Pending means it is parked awaiting a
// decision (whether just submitted by this call or already pending).
func (q *Queue) Gate(req Request) error {
	q.mu.Lock()
	if d, ok := q.decided[req.TaskID]; ok {
		q.mu.Unlock()
		if d.Approved {
			return nil
		}
		return errs.Approval("approval: task %s denied by %s", req.TaskID, d.Approver)
	}
	q.pending[req.TaskID] = req
	metrics.ApprovalsPendingTotal.Set(float64(len(q.pending)))
	q.mu.Unlock()
	return errs.Pending("approval: task %s awaiting decision", req.TaskID)
}

// CheckpointProvider is the external collaborator the core consumes
// for state restoration on failure (spec.md §6): an adapter over
// whatever actually snapshots and restores agent/session state.
type CheckpointProvider interface {
	CreateCheckpoint(agentID, sessionID string) (string, error)
	ExecuteRollback(checkpointID string) (bool, error)
}

// NodeLister is the narrow view of the Membership Authority the
// Rollback hook needs to fan out a cluster-wide rollback.
type NodeLister interface {
	ReachableNodeIDs() ([]string, error)
}

// Result reports what a Rollback call accomplished.
type Result struct {
	Success       bool
	ClusterWide   bool
	NodesAffected int
}

// Rollback restores checkpointID via provider on any step or
// registration failure. The restoration is a single provider call on
// this node; no call is made to other nodes. When clusterWide,
// nodes_affected is the number of nodes the cluster manager currently
// reports reachable; otherwise it is 1. Unless an error is returned, a
// rollback_executed audit event is emitted when chain is non-nil.
func Rollback(chain *audit.Chain, provider CheckpointProvider, cluster NodeLister, checkpointID string, clusterWide bool) (Result, error) {
	ok, err := provider.ExecuteRollback(checkpointID)
	if err != nil {
		return Result{}, errs.Integrity(err, "rollback: checkpoint %s failed to restore", checkpointID)
	}

	nodesAffected := 1
	if clusterWide {
		if cluster == nil {
			return Result{}, errs.Domain("rollback: cluster_wide requested but no cluster manager configured")
		}
		nodes, err := cluster.ReachableNodeIDs()
		if err != nil {
			return Result{}, err
		}
		nodesAffected = len(nodes)
	}

	if chain != nil {
		chain.Emit(audit.EventRollbackExecuted, map[string]string{
			"checkpoint_id":  checkpointID,
			"cluster_wide":   boolString(clusterWide),
			"nodes_affected": strconv.Itoa(nodesAffected),
		})
	}
	metrics.RollbacksExecutedTotal.WithLabelValues(boolString(clusterWide)).Inc()

	return Result{Success: ok, ClusterWide: clusterWide, NodesAffected: nodesAffected}, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// NoopCheckpointProvider is the default wiring for deployments that
// have not yet plugged in a real checkpoint store: it mints opaque
// checkpoint ids and reports every rollback as successful without
// restoring anything. Production wiring replaces this with an adapter
// over the agent runtime's actual session/state store.
type NoopCheckpointProvider struct{}

func (NoopCheckpointProvider) CreateCheckpoint(agentID, sessionID string) (string, error) {
	return "checkpoint:" + agentID + ":" + sessionID, nil
}

func (NoopCheckpointProvider) ExecuteRollback(checkpointID string) (bool, error) {
	return true, nil
}
