// Package storage defines the persistence interface for a single
// node's local state: capability tokens, revocations, the plan
// cache, sandbox snapshots, provenance records, the audit chain, and
// CA/secret material. Cluster-wide trusted-node membership is
// replicated separately through Raft (see pkg/membership); this
// interface is the node-local bbolt store beneath it.
package storage

// Store is implemented by the bbolt-backed store. It is a thin
// bucket-per-entity key/value interface: callers own canonicalization
// and hashing (pkg/canon) before anything reaches Store.
type Store interface {
	// Capability tokens, keyed by token_id.
	PutToken(id string, data []byte) error
	GetToken(id string) ([]byte, error)
	ListTokens() ([][]byte, error)
	DeleteToken(id string) error

	// Revoked token ids, keyed by token_id. Presence means revoked.
	PutRevocation(tokenID string, data []byte) error
	GetRevocation(tokenID string) ([]byte, error)
	ListRevocations() ([][]byte, error)

	// Cached plans, keyed by plan_hash.
	PutPlan(hash string, data []byte) error
	GetPlan(hash string) ([]byte, error)
	DeletePlan(hash string) error

	// Sandbox execution snapshots, keyed by execution_id.
	PutSnapshot(executionID string, data []byte) error
	GetSnapshot(executionID string) ([]byte, error)
	ListSnapshots() ([][]byte, error)

	// Provenance records, keyed by artifact_id.
	PutProvenance(artifactID string, data []byte) error
	GetProvenance(artifactID string) ([]byte, error)
	ListProvenance() ([][]byte, error)

	// Audit chain entries, keyed by monotonically increasing sequence
	// number rendered as a fixed-width hex string so bbolt's
	// byte-order cursor iteration yields append order.
	PutAuditEntry(seq uint64, data []byte) error
	ListAuditEntries() ([][]byte, error)

	// Audit Merkle roots, keyed by a checkpoint label.
	PutAuditRoot(label string, data []byte) error
	GetAuditRoot(label string) ([]byte, error)

	// Trusted node descriptors cached locally from the Membership
	// Authority's Raft log, keyed by node_id. This is a read cache,
	// not the source of truth.
	PutTrustedNode(nodeID string, data []byte) error
	GetTrustedNode(nodeID string) ([]byte, error)
	ListTrustedNodes() ([][]byte, error)
	DeleteTrustedNode(nodeID string) error

	// Certificate authority material, single record.
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	// Encrypted secrets (e.g. HMAC signing keys at rest), keyed by name.
	PutSecret(name string, data []byte) error
	GetSecret(name string) ([]byte, error)

	Close() error
}
