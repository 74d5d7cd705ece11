package membership

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/aegisfabric/aegis/pkg/storage"
)

// Command is a single state-change operation appended to the
// membership Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opRegisterNode = "register_trusted_node"
	opUnregister   = "unregister_node"
	opMarkReach    = "mark_reachability"
)

type markReachability struct {
	NodeID      string `json:"node_id"`
	Unreachable bool   `json:"unreachable"`
}

// FSM applies committed membership commands to the node's local
// trusted-node cache in storage.Store. Every voting node in the
// cluster runs an identical FSM, so the trusted-node set converges
// without any node needing to trust another's local disk directly.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM constructs an FSM backed by store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Apply applies one committed Raft log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("membership: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opRegisterNode:
		var d TrustedNodeDescriptor
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return f.store.PutTrustedNode(d.NodeID, data)

	case opUnregister:
		var nodeID string
		if err := json.Unmarshal(cmd.Data, &nodeID); err != nil {
			return err
		}
		return f.store.DeleteTrustedNode(nodeID)

	case opMarkReach:
		var m markReachability
		if err := json.Unmarshal(cmd.Data, &m); err != nil {
			return err
		}
		raw, err := f.store.GetTrustedNode(m.NodeID)
		if err != nil {
			return err
		}
		var d TrustedNodeDescriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		d.Unreachable = m.Unreachable
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return f.store.PutTrustedNode(d.NodeID, data)

	default:
		return fmt.Errorf("membership: unknown command %q", cmd.Op)
	}
}

// Snapshot captures the current trusted-node set for Raft log
// compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	raw, err := f.store.ListTrustedNodes()
	if err != nil {
		return nil, fmt.Errorf("membership: list trusted nodes: %w", err)
	}

	descriptors := make([]TrustedNodeDescriptor, 0, len(raw))
	for _, r := range raw {
		var d TrustedNodeDescriptor
		if err := json.Unmarshal(r, &d); err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}

	return &fsmSnapshot{Nodes: descriptors}, nil
}

// Restore replaces the trusted-node set with the contents of a
// snapshot, used when a node restarts or joins and must catch up.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("membership: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.store.ListTrustedNodes()
	if err != nil {
		return err
	}
	for _, r := range existing {
		var d TrustedNodeDescriptor
		if err := json.Unmarshal(r, &d); err == nil {
			_ = f.store.DeleteTrustedNode(d.NodeID)
		}
	}

	for _, d := range snap.Nodes {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := f.store.PutTrustedNode(d.NodeID, data); err != nil {
			return fmt.Errorf("membership: restore node %s: %w", d.NodeID, err)
		}
	}
	return nil
}

type fsmSnapshot struct {
	Nodes []TrustedNodeDescriptor
}

// Persist writes the snapshot to the given Raft snapshot sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release is a no-op; the snapshot holds no external resources.
func (s *fsmSnapshot) Release() {}
