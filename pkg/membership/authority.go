// Package membership implements the Distributed Execution Domain and
// Cluster Membership Authority: a Raft-replicated registry of trusted
// nodes, the quorum and identity hashes derived from it, and
// consistent-hash execution assignment over the current node set.
package membership

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/clock"
	"github.com/aegisfabric/aegis/pkg/clusterd"
	"github.com/aegisfabric/aegis/pkg/errs"
	"github.com/aegisfabric/aegis/pkg/obslog"
	"github.com/aegisfabric/aegis/pkg/storage"
)

// ProtocolVersion is folded into the cluster identity hash so nodes
// running an incompatible protocol never compute the same identity.
const ProtocolVersion = "1.0"

// TrustedNodeDescriptor is the Membership Authority's record of a
// single cluster node. NodeHash is SHA-256 of its canonicalization,
// excluding RegisteredAt and Unreachable, which are mutable local
// facts rather than part of the node's identity.
type TrustedNodeDescriptor struct {
	NodeID       string `json:"node_id"`
	Name         string `json:"name"`
	PublicKey    string `json:"public_key"`
	TrustLevel   int    `json:"trust_level"`
	RegisteredAt int64  `json:"registered_at"`
	Unreachable  bool   `json:"unreachable"`
	NodeHash     string `json:"node_hash"`
}

func computeNodeHash(d TrustedNodeDescriptor) string {
	return canon.Hash(map[string]any{
		"node_id":     d.NodeID,
		"name":        d.Name,
		"public_key":  d.PublicKey,
		"trust_level": d.TrustLevel,
	})
}

// Config configures a new Authority.
type Config struct {
	NodeID               string
	BindAddr             string
	DataDir              string
	QuorumThreshold      int
	HeartbeatMissThresh  time.Duration // how long since LastSeen before a node is marked unreachable
	ReconcileInterval     time.Duration
}

// Authority is one voting member of the Membership Authority's Raft
// group. It owns the replicated trusted-node registry and answers
// quorum/identity/assignment queries against it.
type Authority struct {
	cfg   Config
	store storage.Store
	fsm   *FSM
	raft  *raft.Raft
	clk   clock.Clock

	mu       sync.RWMutex
	lastSeen map[string]time.Time

	stopCh chan struct{}
}

// New constructs an Authority bound to store; call Bootstrap or Join
// before using it.
func New(cfg Config, store storage.Store, clk clock.Clock) *Authority {
	if cfg.QuorumThreshold <= 0 {
		cfg.QuorumThreshold = 1
	}
	if cfg.HeartbeatMissThresh <= 0 {
		cfg.HeartbeatMissThresh = 30 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Second
	}
	return &Authority{
		cfg:      cfg,
		store:    store,
		fsm:      NewFSM(store),
		clk:      clk,
		lastSeen: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

func (a *Authority) raftConfig() (*raft.Config, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(a.cfg.NodeID)

	// Tuned for LAN/edge deployment rather than Raft's WAN-conservative
	// defaults, matching the latency budget of sandboxed execution.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config, nil
}

func (a *Authority) buildRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	config, err := a.raftConfig()
	if err != nil {
		return nil, nil, err
	}

	addr, err := net.ResolveTCPAddr("tcp", a.cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("membership: resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(a.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("membership: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(a.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("membership: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(a.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("membership: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(a.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("membership: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, a.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("membership: create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap starts a brand new single-voter Raft group with this node
// as the only member.
func (a *Authority) Bootstrap() error {
	r, transport, err := a.buildRaft()
	if err != nil {
		return err
	}
	a.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(a.cfg.NodeID), Address: transport.LocalAddr()},
		},
	}
	if err := a.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("membership: bootstrap cluster: %w", err)
	}

	go a.reconcileLoop()
	return nil
}

// Join starts this node's Raft instance and expects an existing
// leader to AddVoter it in; the caller is responsible for routing
// that request over the Remote Node Protocol.
func (a *Authority) Join() error {
	r, _, err := a.buildRaft()
	if err != nil {
		return err
	}
	a.raft = r
	go a.reconcileLoop()
	return nil
}

// AddVoter admits nodeID at address as a new voting member. Only
// valid on the current Raft leader.
func (a *Authority) AddVoter(nodeID, address string) error {
	if a.raft.State() != raft.Leader {
		return errs.Policy("membership: AddVoter called on non-leader")
	}
	return a.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds Raft leadership
// for the Membership Authority.
func (a *Authority) IsLeader() bool {
	return a.raft != nil && a.raft.State() == raft.Leader
}

// AppliedIndex returns the last Raft log index applied to the
// membership FSM, for periodic metrics reporting.
func (a *Authority) AppliedIndex() uint64 {
	if a.raft == nil {
		return 0
	}
	return a.raft.AppliedIndex()
}

func (a *Authority) apply(cmd Command) error {
	if a.raft == nil {
		return errs.Policy("membership: raft not started")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	future := a.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("membership: apply %s: %w", cmd.Op, err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return fmt.Errorf("membership: apply %s: %w", cmd.Op, err)
	}
	return nil
}

// RegisterTrustedNode admits a new node descriptor into the
// replicated registry.
func (a *Authority) RegisterTrustedNode(d TrustedNodeDescriptor) error {
	d.RegisteredAt = a.clk.Monotonic()
	d.Unreachable = false
	d.NodeHash = computeNodeHash(d)

	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := a.apply(Command{Op: opRegisterNode, Data: data}); err != nil {
		return err
	}

	a.mu.Lock()
	a.lastSeen[d.NodeID] = a.clk.Now()
	a.mu.Unlock()
	return nil
}

// UnregisterNode removes a node descriptor from the registry.
func (a *Authority) UnregisterNode(nodeID string) error {
	data, err := json.Marshal(nodeID)
	if err != nil {
		return err
	}
	if err := a.apply(Command{Op: opUnregister, Data: data}); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.lastSeen, nodeID)
	a.mu.Unlock()
	return nil
}

// Heartbeat records that nodeID was seen alive at the current time,
// and clears its unreachable flag if it had been marked so.
func (a *Authority) Heartbeat(nodeID string) error {
	a.mu.Lock()
	a.lastSeen[nodeID] = a.clk.Now()
	a.mu.Unlock()

	d, err := a.getNode(nodeID)
	if err != nil {
		return err
	}
	if !d.Unreachable {
		return nil
	}
	return a.setReachability(nodeID, false)
}

func (a *Authority) setReachability(nodeID string, unreachable bool) error {
	data, err := json.Marshal(markReachability{NodeID: nodeID, Unreachable: unreachable})
	if err != nil {
		return err
	}
	return a.apply(Command{Op: opMarkReach, Data: data})
}

func (a *Authority) getNode(nodeID string) (TrustedNodeDescriptor, error) {
	raw, err := a.store.GetTrustedNode(nodeID)
	if err != nil {
		return TrustedNodeDescriptor{}, errs.Domain("membership: node %s not registered", nodeID)
	}
	var d TrustedNodeDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return TrustedNodeDescriptor{}, errs.Integrity(err, "membership: corrupt descriptor for %s", nodeID)
	}
	return d, nil
}

// VerifyMembership reports whether nodeID is currently a registered,
// reachable trusted node.
func (a *Authority) VerifyMembership(nodeID string) bool {
	d, err := a.getNode(nodeID)
	if err != nil {
		return false
	}
	return !d.Unreachable
}

// ListTrustedNodes returns all registered descriptors, sorted by
// node_id for deterministic iteration.
func (a *Authority) ListTrustedNodes() ([]TrustedNodeDescriptor, error) {
	raw, err := a.store.ListTrustedNodes()
	if err != nil {
		return nil, errs.Integrity(err, "membership: list trusted nodes")
	}
	out := make([]TrustedNodeDescriptor, 0, len(raw))
	for _, r := range raw {
		var d TrustedNodeDescriptor
		if err := json.Unmarshal(r, &d); err != nil {
			return nil, errs.Integrity(err, "membership: corrupt descriptor")
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// ReachableNodeIDs returns the sorted node ids of currently reachable
// trusted nodes — the node set a schedule computation is allowed to
// place work onto.
func (a *Authority) ReachableNodeIDs() ([]string, error) {
	nodes, err := a.ListTrustedNodes()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if !n.Unreachable {
			ids = append(ids, n.NodeID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ValidateQuorum reports whether the count of registered (not
// necessarily reachable) trusted nodes meets the Authority's quorum
// threshold.
func (a *Authority) ValidateQuorum() (bool, error) {
	nodes, err := a.ListTrustedNodes()
	if err != nil {
		return false, err
	}
	return len(nodes) >= a.cfg.QuorumThreshold, nil
}

// ComputeMembershipHash is the canonical hash over all trusted
// descriptors' identity fields, independent of registration order.
func (a *Authority) ComputeMembershipHash() (string, error) {
	nodes, err := a.ListTrustedNodes()
	if err != nil {
		return "", err
	}
	view := make([]any, 0, len(nodes))
	for _, n := range nodes {
		view = append(view, map[string]any{
			"node_id":     n.NodeID,
			"name":        n.Name,
			"public_key":  n.PublicKey,
			"trust_level": n.TrustLevel,
		})
	}
	sort.Slice(view, func(i, j int) bool {
		return view[i].(map[string]any)["node_id"].(string) < view[j].(map[string]any)["node_id"].(string)
	})
	return canon.Hash(map[string]any{"nodes": view}), nil
}

// ComputeClusterIdentityHash combines the membership hash with the
// registered node count, quorum threshold, and protocol version, so
// two clusters with an identical node set but different quorum
// policy are never mistaken for the same cluster.
func (a *Authority) ComputeClusterIdentityHash() (string, error) {
	membershipHash, err := a.ComputeMembershipHash()
	if err != nil {
		return "", err
	}
	nodes, err := a.ListTrustedNodes()
	if err != nil {
		return "", err
	}
	return canon.Hash(map[string]any{
		"membership_hash":  membershipHash,
		"count":             len(nodes),
		"quorum_threshold":  a.cfg.QuorumThreshold,
		"protocol_version":  ProtocolVersion,
	}), nil
}

// AssignExecution places (tenantID, taskID) onto one of the currently
// reachable trusted nodes via consistent hashing.
func (a *Authority) AssignExecution(tenantID, taskID string) (string, error) {
	ids, err := a.ReachableNodeIDs()
	if err != nil {
		return "", err
	}
	nodeID := clusterd.Schedule(tenantID, taskID, ids)
	if nodeID == "" {
		return "", errs.Quota("membership: no reachable trusted nodes to assign execution")
	}
	return nodeID, nil
}

// VerifyDomainIntegrity holds iff every node referenced by
// domainNodeIDs is still registered (regardless of reachability —
// reachability is a liveness fact, registration is a trust fact).
func (a *Authority) VerifyDomainIntegrity(domainNodeIDs []string) (bool, error) {
	nodes, err := a.ListTrustedNodes()
	if err != nil {
		return false, err
	}
	registered := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		registered[n.NodeID] = true
	}
	for _, id := range domainNodeIDs {
		if !registered[id] {
			return false, nil
		}
	}
	return true, nil
}

// reconcileLoop periodically marks nodes unreachable after a missed
// heartbeat threshold, excluding them from future schedule
// computations without removing their trust registration.
func (a *Authority) reconcileLoop() {
	ticker := time.NewTicker(a.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.reconcile(); err != nil {
				obslog.Logger.Warn().Err(err).Msg("membership: reconciliation pass failed")
			}
		case <-a.stopCh:
			return
		}
	}
}

func (a *Authority) reconcile() error {
	if !a.IsLeader() {
		return nil
	}
	nodes, err := a.ListTrustedNodes()
	if err != nil {
		return err
	}
	now := a.clk.Now()

	a.mu.RLock()
	lastSeen := make(map[string]time.Time, len(a.lastSeen))
	for k, v := range a.lastSeen {
		lastSeen[k] = v
	}
	a.mu.RUnlock()

	for _, n := range nodes {
		seen, ok := lastSeen[n.NodeID]
		stale := !ok || now.Sub(seen) > a.cfg.HeartbeatMissThresh
		if stale && !n.Unreachable {
			if err := a.setReachability(n.NodeID, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop halts the reconciliation loop and shuts down Raft.
func (a *Authority) Stop() error {
	close(a.stopCh)
	if a.raft == nil {
		return nil
	}
	return a.raft.Shutdown().Error()
}
