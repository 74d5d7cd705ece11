// Package clusterd implements the Cluster Scheduler: deterministic,
// consistent-hash placement of tasks onto trusted nodes. It carries
// no mutable cluster state of its own — the node set it places onto
// is supplied by the caller (normally the Membership Authority's
// current trusted-node list) so a schedule computation never depends
// on when a node joined, only on the node set given to it.
package clusterd

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/plan"
)

// Schedule assigns tenantID/taskID to one of sortedNodeIDs via
// consistent hashing: the first 8 hex characters of
// SHA256("tenantID:taskID"), reduced modulo the number of nodes over
// the sorted node-id list. sortedNodeIDs must already be sorted;
// Schedule does not sort defensively so that callers who have already
// paid the sort cost for a batch of tasks don't pay it again per task.
func Schedule(tenantID, taskID string, sortedNodeIDs []string) string {
	if len(sortedNodeIDs) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(tenantID + ":" + taskID))
	prefix := hex.EncodeToString(sum[:])[:8]
	n, _ := strconv.ParseUint(prefix, 16, 64)
	idx := int(n % uint64(len(sortedNodeIDs)))
	return sortedNodeIDs[idx]
}

// ClusterSchedule is the immutable output of CreateSchedule.
type ClusterSchedule struct {
	ScheduleID      string              `json:"schedule_id"`
	TenantID        string              `json:"tenant_id"`
	NodeAssignments map[string][]string `json:"node_assignments"` // node_id -> sorted task_ids
	ExecutionSeed   int64               `json:"execution_seed"`
	CreatedAt       int64               `json:"created_at"`
	ScheduleHash    string              `json:"schedule_hash"`
}

// CreateSchedule builds a ClusterSchedule for tenantID covering
// taskIDs over nodeIDs (not required to be pre-sorted; CreateSchedule
// sorts its own working copy). If seed is nil, it is derived
// deterministically from (tenantID, sorted task_ids) via
// plan.DeriveSeed, exactly as §4.11 requires: "if seed absent,
// derive, else use given" — never a wall-clock default.
func CreateSchedule(tenantID string, taskIDs []string, nodeIDs []string, seed *int64, now int64) ClusterSchedule {
	sortedTasks := append([]string(nil), taskIDs...)
	sort.Strings(sortedTasks)

	sortedNodes := append([]string(nil), nodeIDs...)
	sort.Strings(sortedNodes)

	var s int64
	if seed != nil {
		s = *seed
	} else {
		s = plan.DeriveSeed(tenantID, sortedTasks)
	}

	assignments := make(map[string][]string)
	for _, taskID := range sortedTasks {
		nodeID := Schedule(tenantID, taskID, sortedNodes)
		if nodeID == "" {
			continue
		}
		assignments[nodeID] = append(assignments[nodeID], taskID)
	}
	for nodeID := range assignments {
		sort.Strings(assignments[nodeID])
	}

	cs := ClusterSchedule{
		TenantID:        tenantID,
		NodeAssignments: assignments,
		ExecutionSeed:   s,
		CreatedAt:       now,
	}
	cs.ScheduleHash = ComputeScheduleHash(cs)
	cs.ScheduleID = cs.ScheduleHash[:16]
	return cs
}

// ComputeScheduleHash is SHA-256 over the canonical form of the
// schedule with assignments' task lists sorted, excluding CreatedAt
// and ScheduleID (which is itself derived from the hash). Identical
// input produces an identical hash regardless of machine.
func ComputeScheduleHash(cs ClusterSchedule) string {
	assignmentsView := make(map[string]any, len(cs.NodeAssignments))
	for nodeID, tasks := range cs.NodeAssignments {
		sorted := append([]string(nil), tasks...)
		sort.Strings(sorted)
		assignmentsView[nodeID] = canon.Set(sorted)
	}
	return canon.Hash(map[string]any{
		"tenant_id":        cs.TenantID,
		"node_assignments": assignmentsView,
		"execution_seed":   cs.ExecutionSeed,
	})
}
