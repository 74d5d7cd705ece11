package metrics

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/pkg/audit"
	"github.com/aegisfabric/aegis/pkg/clock"
	"github.com/aegisfabric/aegis/pkg/membership"
)

type fakeStore struct {
	mu    sync.Mutex
	nodes map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{nodes: make(map[string][]byte)} }

func (s *fakeStore) PutToken(string, []byte) error       { return nil }
func (s *fakeStore) GetToken(string) ([]byte, error)     { return nil, nil }
func (s *fakeStore) ListTokens() ([][]byte, error)       { return nil, nil }
func (s *fakeStore) DeleteToken(string) error            { return nil }
func (s *fakeStore) PutRevocation(string, []byte) error  { return nil }
func (s *fakeStore) GetRevocation(string) ([]byte, error) { return nil, nil }
func (s *fakeStore) ListRevocations() ([][]byte, error)  { return nil, nil }
func (s *fakeStore) PutPlan(string, []byte) error        { return nil }
func (s *fakeStore) GetPlan(string) ([]byte, error)      { return nil, nil }
func (s *fakeStore) DeletePlan(string) error             { return nil }
func (s *fakeStore) PutSnapshot(string, []byte) error    { return nil }
func (s *fakeStore) GetSnapshot(string) ([]byte, error)  { return nil, nil }
func (s *fakeStore) ListSnapshots() ([][]byte, error)    { return nil, nil }
func (s *fakeStore) PutProvenance(string, []byte) error  { return nil }
func (s *fakeStore) GetProvenance(string) ([]byte, error) { return nil, nil }
func (s *fakeStore) ListProvenance() ([][]byte, error)   { return nil, nil }
func (s *fakeStore) PutAuditEntry(uint64, []byte) error  { return nil }
func (s *fakeStore) ListAuditEntries() ([][]byte, error) { return nil, nil }
func (s *fakeStore) PutAuditRoot(string, []byte) error   { return nil }
func (s *fakeStore) GetAuditRoot(string) ([]byte, error) { return nil, nil }
func (s *fakeStore) SaveCA([]byte) error                 { return nil }
func (s *fakeStore) GetCA() ([]byte, error)              { return nil, nil }
func (s *fakeStore) PutSecret(string, []byte) error      { return nil }
func (s *fakeStore) GetSecret(string) ([]byte, error)    { return nil, nil }
func (s *fakeStore) Close() error                        { return nil }

func (s *fakeStore) PutTrustedNode(nodeID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[nodeID] = data
	return nil
}

func (s *fakeStore) GetTrustedNode(nodeID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[nodeID], nil
}

func (s *fakeStore) ListTrustedNodes() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0, len(s.nodes))
	for _, v := range s.nodes {
		out = append(out, v)
	}
	return out, nil
}

func (s *fakeStore) DeleteTrustedNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
	return nil
}

func seedNode(t *testing.T, store *fakeStore, id string, unreachable bool) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"node_id":     id,
		"name":        id,
		"unreachable": unreachable,
	})
	require.NoError(t, err)
	require.NoError(t, store.PutTrustedNode(id, data))
}

func TestCollector_RefreshesMembershipAndAuditGauges(t *testing.T) {
	store := newFakeStore()
	seedNode(t, store, "node-a", false)
	seedNode(t, store, "node-b", true)

	authority := membership.New(membership.Config{NodeID: "node-a", QuorumThreshold: 1}, store, clock.NewFixed(time.Unix(0, 0)))
	chain := audit.NewChain(func() int64 { return 1 })
	chain.Emit(audit.EventCapabilityIssued, nil)
	chain.Emit(audit.EventPlanBuilt, nil)

	c := NewCollector(authority, chain)
	c.collect()

	assert.Equal(t, float64(2), testutil.ToFloat64(MembershipQuorumSize))
	assert.Equal(t, float64(0), testutil.ToFloat64(RaftLeader))
	assert.Equal(t, float64(2), testutil.ToFloat64(AuditChainSize))
}
