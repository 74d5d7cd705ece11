// Package memvault implements the Memory Vault and Memory Seal: an
// immutable, content-addressed store for agent memory snapshots, and
// an HMAC-based sealing primitive that detects any mutation of a
// sealed payload. Storage discipline follows the same single-writer
// pattern the teacher's manager package uses for its in-memory maps:
// store calls serialize on a mutex, and retrieves take a read lock on
// that mutex rather than reading lock-free.
package memvault

import (
	"sync"
	"time"

	"github.com/aegisfabric/aegis/pkg/canon"
	"github.com/aegisfabric/aegis/pkg/errs"
)

// Snapshot is an immutable, content-addressed memory record.
type Snapshot struct {
	SnapshotID           string   `json:"snapshot_id"`
	AgentID              string   `json:"agent_id"`
	DataHash             string   `json:"data_hash"`
	Data                 []byte   `json:"data"`
	RequiredCapabilities []string `json:"required_capabilities"`
	IssuedAt             int64    `json:"issued_at"`
}

func deriveSnapshotID(agentID, dataHash string, issuedAt int64) string {
	return canon.Hash(map[string]any{
		"agent_id":  agentID,
		"data_hash": dataHash,
		"issued_at": issuedAt,
	})[:16]
}

// Vault stores Snapshots keyed by snapshot_id. Writes for a given
// agent_id are serialized by the single mutex; reads copy out of the
// map under a read lock, never mutate what they return.
type Vault struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	now       func() int64
}

// NewVault builds an empty Vault. now supplies issued_at timestamps;
// defaults to time.Now when nil.
func NewVault(now func() int64) *Vault {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Vault{snapshots: make(map[string]Snapshot), now: now}
}

// Store canonicalizes data, computes its hash, derives a snapshot_id,
// and persists the result.
func (v *Vault) Store(agentID string, data []byte, requiredCapabilities []string) (Snapshot, error) {
	dataHash := canon.Hash(map[string]any{"payload": data})
	issuedAt := v.now()
	snap := Snapshot{
		SnapshotID:           deriveSnapshotID(agentID, dataHash, issuedAt),
		AgentID:              agentID,
		DataHash:             dataHash,
		Data:                 append([]byte(nil), data...),
		RequiredCapabilities: append([]string(nil), requiredCapabilities...),
		IssuedAt:             issuedAt,
	}

	v.mu.Lock()
	v.snapshots[snap.SnapshotID] = snap
	v.mu.Unlock()

	return snap, nil
}

// Retrieve returns the snapshot only if its required capabilities are
// a subset of caps; otherwise it denies the read without revealing
// whether the snapshot exists.
func (v *Vault) Retrieve(snapshotID string, caps []string) (Snapshot, error) {
	v.mu.RLock()
	snap, ok := v.snapshots[snapshotID]
	v.mu.RUnlock()
	if !ok {
		return Snapshot{}, errs.Capability("snapshot read denied: %s", snapshotID)
	}

	granted := make(map[string]bool, len(caps))
	for _, c := range caps {
		granted[c] = true
	}
	for _, req := range snap.RequiredCapabilities {
		if !granted[req] {
			return Snapshot{}, errs.Capability("snapshot read denied: %s", snapshotID)
		}
	}
	return snap, nil
}

// VerifyIntegrity recomputes data_hash for snapshotID and compares it
// against the stored value.
func (v *Vault) VerifyIntegrity(snapshotID string) (bool, error) {
	v.mu.RLock()
	snap, ok := v.snapshots[snapshotID]
	v.mu.RUnlock()
	if !ok {
		return false, errs.Capability("snapshot not found: %s", snapshotID)
	}

	recomputed := canon.Hash(map[string]any{"payload": snap.Data})
	return recomputed == snap.DataHash, nil
}

// DetectTampering is VerifyIntegrity's negation, phrased for callers
// that want to assert "this snapshot is untouched" by checking for
// false rather than true.
func (v *Vault) DetectTampering(snapshotID string) (bool, error) {
	ok, err := v.VerifyIntegrity(snapshotID)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// SealedMemory is the output of Seal: a signature binding an agent_id
// to a data_hash, independent of where the data itself is stored.
type SealedMemory struct {
	SealID   string `json:"seal_id"`
	AgentID  string `json:"agent_id"`
	DataHash string `json:"data_hash"`
	Sealed   string `json:"sealed"`
}

// Sealer signs and verifies memory seals under a single secret key.
type Sealer struct {
	secretKey []byte
}

// NewSealer builds a Sealer bound to secretKey.
func NewSealer(secretKey []byte) *Sealer {
	return &Sealer{secretKey: secretKey}
}

func sealBody(agentID, dataHash string) map[string]any {
	return map[string]any{"agent_id": agentID, "data_hash": dataHash}
}

// Seal signs (agent_id, data_hash) for data under the Sealer's key.
func (s *Sealer) Seal(agentID string, data []byte) SealedMemory {
	dataHash := canon.Hash(map[string]any{"payload": data})
	sig := canon.HMACSign(s.secretKey, sealBody(agentID, dataHash))
	sealID := canon.Hash(map[string]any{"agent_id": agentID, "data_hash": dataHash, "signature": sig})[:16]
	return SealedMemory{SealID: sealID, AgentID: agentID, DataHash: dataHash, Sealed: sig}
}

// Verify reports whether data still matches the seal identified by
// seal.SealID — a mutated payload or a swapped seal_id both fail via
// constant-time comparison against the recomputed signature.
func (s *Sealer) Verify(seal SealedMemory, data []byte) bool {
	dataHash := canon.Hash(map[string]any{"payload": data})
	if dataHash != seal.DataHash {
		return false
	}
	expected := canon.HMACSign(s.secretKey, sealBody(seal.AgentID, dataHash))
	if !canon.ConstantTimeEqual(expected, seal.Sealed) {
		return false
	}
	sealID := canon.Hash(map[string]any{"agent_id": seal.AgentID, "data_hash": dataHash, "signature": expected})[:16]
	return canon.ConstantTimeEqual(sealID, seal.SealID)
}
