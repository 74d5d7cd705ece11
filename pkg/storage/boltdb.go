package storage

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTokens       = []byte("tokens")
	bucketRevocations  = []byte("revocations")
	bucketPlans        = []byte("plans")
	bucketSnapshots    = []byte("snapshots")
	bucketProvenance   = []byte("provenance")
	bucketAudit        = []byte("audit")
	bucketAuditRoots   = []byte("audit_roots")
	bucketTrustedNodes = []byte("trusted_nodes")
	bucketCA           = []byte("ca")
	bucketSecrets      = []byte("secrets")
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt file at dbPath and
// ensures every bucket this package uses exists.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTokens, bucketRevocations, bucketPlans, bucketSnapshots,
			bucketProvenance, bucketAudit, bucketAuditRoots, bucketTrustedNodes,
			bucketCA, bucketSecrets,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%s: not found: %s", bucket, key)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *BoltStore) list(bucket []byte) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Tokens

func (s *BoltStore) PutToken(id string, data []byte) error { return s.put(bucketTokens, id, data) }
func (s *BoltStore) GetToken(id string) ([]byte, error)     { return s.get(bucketTokens, id) }
func (s *BoltStore) ListTokens() ([][]byte, error)          { return s.list(bucketTokens) }
func (s *BoltStore) DeleteToken(id string) error            { return s.delete(bucketTokens, id) }

// Revocations

func (s *BoltStore) PutRevocation(tokenID string, data []byte) error {
	return s.put(bucketRevocations, tokenID, data)
}

func (s *BoltStore) GetRevocation(tokenID string) ([]byte, error) {
	return s.get(bucketRevocations, tokenID)
}

func (s *BoltStore) ListRevocations() ([][]byte, error) { return s.list(bucketRevocations) }

// Plans

func (s *BoltStore) PutPlan(hash string, data []byte) error { return s.put(bucketPlans, hash, data) }
func (s *BoltStore) GetPlan(hash string) ([]byte, error)    { return s.get(bucketPlans, hash) }
func (s *BoltStore) DeletePlan(hash string) error           { return s.delete(bucketPlans, hash) }

// Snapshots

func (s *BoltStore) PutSnapshot(executionID string, data []byte) error {
	return s.put(bucketSnapshots, executionID, data)
}

func (s *BoltStore) GetSnapshot(executionID string) ([]byte, error) {
	return s.get(bucketSnapshots, executionID)
}

func (s *BoltStore) ListSnapshots() ([][]byte, error) { return s.list(bucketSnapshots) }

// Provenance

func (s *BoltStore) PutProvenance(artifactID string, data []byte) error {
	return s.put(bucketProvenance, artifactID, data)
}

func (s *BoltStore) GetProvenance(artifactID string) ([]byte, error) {
	return s.get(bucketProvenance, artifactID)
}

func (s *BoltStore) ListProvenance() ([][]byte, error) { return s.list(bucketProvenance) }

// Audit

func (s *BoltStore) PutAuditEntry(seq uint64, data []byte) error {
	return s.put(bucketAudit, fmt.Sprintf("%016x", seq), data)
}

func (s *BoltStore) ListAuditEntries() ([][]byte, error) { return s.list(bucketAudit) }

func (s *BoltStore) PutAuditRoot(label string, data []byte) error {
	return s.put(bucketAuditRoots, label, data)
}

func (s *BoltStore) GetAuditRoot(label string) ([]byte, error) {
	return s.get(bucketAuditRoots, label)
}

// Trusted nodes

func (s *BoltStore) PutTrustedNode(nodeID string, data []byte) error {
	return s.put(bucketTrustedNodes, nodeID, data)
}

func (s *BoltStore) GetTrustedNode(nodeID string) ([]byte, error) {
	return s.get(bucketTrustedNodes, nodeID)
}

func (s *BoltStore) ListTrustedNodes() ([][]byte, error) { return s.list(bucketTrustedNodes) }

func (s *BoltStore) DeleteTrustedNode(nodeID string) error {
	return s.delete(bucketTrustedNodes, nodeID)
}

// Certificate Authority

func (s *BoltStore) SaveCA(data []byte) error {
	return s.put(bucketCA, "ca", data)
}

func (s *BoltStore) GetCA() ([]byte, error) {
	return s.get(bucketCA, "ca")
}

// Secrets

func (s *BoltStore) PutSecret(name string, data []byte) error {
	return s.put(bucketSecrets, name, data)
}

func (s *BoltStore) GetSecret(name string) ([]byte, error) {
	return s.get(bucketSecrets, name)
}
