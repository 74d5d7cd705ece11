// Package federation implements the Federated Audit Coordinator:
// aggregation of per-node audit Merkle roots into a single cluster
// root, integrity verification of the stored roots themselves, and
// cross-node replay comparison.
package federation

import (
	"encoding/hex"
	"sort"

	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/errs"
)

// ProtocolVersion is folded into the cluster root so a root computed
// under one protocol version never collides with another.
const ProtocolVersion = "1.0"

// FederatedAuditRoot is a point-in-time aggregation snapshot.
type FederatedAuditRoot struct {
	ClusterRoot string            `json:"cluster_root"`
	NodeRoots   map[string]string `json:"node_roots"`
	Timestamp   int64             `json:"timestamp"`
}

// Coordinator collects per-node audit roots keyed by node_id and
// aggregates them into a cluster root on demand. It holds no audit
// events of its own — only the roots nodes report.
type Coordinator struct {
	roots map[string]string
}

// NewCoordinator constructs an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{roots: make(map[string]string)}
}

// ReportRoot records nodeID's current audit root, overwriting any
// previous report for that node.
func (c *Coordinator) ReportRoot(nodeID, root string) {
	c.roots[nodeID] = root
}

// NodeRoots returns a copy of the currently reported per-node roots.
func (c *Coordinator) NodeRoots() map[string]string {
	out := make(map[string]string, len(c.roots))
	for k, v := range c.roots {
		out[k] = v
	}
	return out
}

// ComputeClusterRoot is SHA-256 over the canonical form of
// {nodes: [{node_id, root} sorted by node_id], protocol_version}.
func (c *Coordinator) ComputeClusterRoot() string {
	return computeClusterRoot(c.roots)
}

func computeClusterRoot(roots map[string]string) string {
	nodeIDs := make([]string, 0, len(roots))
	for id := range roots {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	nodes := make([]any, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes = append(nodes, map[string]any{"node_id": id, "root": roots[id]})
	}

	return canon.Hash(map[string]any{
		"nodes":            nodes,
		"protocol_version": ProtocolVersion,
	})
}

// VerifyClusterIntegrity checks that every stored root is a
// well-formed 64-hex SHA-256 string.
func (c *Coordinator) VerifyClusterIntegrity() bool {
	for _, root := range c.roots {
		if !isHexSHA256(root) {
			return false
		}
	}
	return true
}

func isHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// VerifyCrossNodeReplay requires that expected has an identical key
// set and identical root values to the currently reported roots —
// i.e. every node that replayed the same workload independently
// arrived at byte-identical audit state.
func (c *Coordinator) VerifyCrossNodeReplay(expected map[string]string) bool {
	if len(expected) != len(c.roots) {
		return false
	}
	for nodeID, root := range expected {
		got, ok := c.roots[nodeID]
		if !ok || got != root {
			return false
		}
	}
	return true
}

// Snapshot produces a FederatedAuditRoot recording the current
// aggregation at the given timestamp.
func (c *Coordinator) Snapshot(timestamp int64) (FederatedAuditRoot, error) {
	if !c.VerifyClusterIntegrity() {
		return FederatedAuditRoot{}, errs.Integrity(nil, "federation: one or more reported roots are malformed")
	}
	return FederatedAuditRoot{
		ClusterRoot: c.ComputeClusterRoot(),
		NodeRoots:   c.NodeRoots(),
		Timestamp:   timestamp,
	}, nil
}
