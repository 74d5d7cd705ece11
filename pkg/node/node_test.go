package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/pkg/approval"
	"github.com/aegisfabric/aegis/pkg/audit"
	"github.com/aegisfabric/aegis/pkg/capability"
	"github.com/aegisfabric/aegis/pkg/clock"
	"github.com/aegisfabric/aegis/pkg/domain"
	"github.com/aegisfabric/aegis/pkg/errs"
	"github.com/aegisfabric/aegis/pkg/plan"
	"github.com/aegisfabric/aegis/pkg/sandbox"
	"github.com/aegisfabric/aegis/pkg/token"
)

type fakeTokenStore struct {
	mu      sync.Mutex
	tokens  map[string][]byte
	revoked map[string][]byte
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: make(map[string][]byte), revoked: make(map[string][]byte)}
}

func (s *fakeTokenStore) PutToken(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] = data
	return nil
}

func (s *fakeTokenStore) GetToken(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[id], nil
}

func (s *fakeTokenStore) ListTokens() ([][]byte, error) { return nil, nil }

func (s *fakeTokenStore) PutRevocation(tokenID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[tokenID] = data
	return nil
}

func (s *fakeTokenStore) GetRevocation(tokenID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.revoked[tokenID]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func buildTestNode(t *testing.T, runner sandbox.StepRunner) (*Node, *token.Manager) {
	t.Helper()
	clk := clock.NewFixed(time.Unix(1000, 0))
	tokens := token.NewManager("issuer-1", []byte("test-secret-key-0123456789abcd"), newFakeTokenStore(), clk)
	policy := capability.NewEngine(capability.RiskCritical, nil)
	planner := plan.NewPlanner()
	sb := sandbox.New(runner, func() int64 { return clk.Now().Unix() })
	chain := audit.NewChain(func() int64 { return clk.Now().Unix() })

	n := New(Config{
		Descriptor: Descriptor{NodeID: "node-1", Name: "node-1", PublicKey: "pub", TrustLevel: 1},
		Tokens:     tokens,
		Policy:     policy,
		Planner:    planner,
		Sandbox:    sb,
		Chain:      chain,
		Clock:      clk,
	})
	return n, tokens
}

func TestExecute_Success(t *testing.T) {
	runner := func(ctx context.Context, step plan.Step, seed int64) error { return nil }
	n, tokens := buildTestNode(t, runner)

	tok, err := tokens.Issue("agent-1", "fs:read:/data/**", "/data/**", time.Hour)
	require.NoError(t, err)

	req := ExecutionRequest{
		ContractID:      "contract-1",
		TenantID:        "tenant-1",
		ProtocolVersion: ProtocolVersion,
		Token:           *tok,
		Task: plan.TaskDescription{
			TaskID: "task-1",
			Actions: []plan.ActionRequest{
				{Action: "fs:read", RequiredCapabilities: []string{"fs:read:/data/**"}},
			},
		},
		Constraints: plan.Constraints{
			AllowedCapabilities: []string{"fs:read:/data/**"},
			MaxSteps:            10,
			MaxDepth:            5,
		},
		Quota: domain.QuotaSpec{MaxSteps: 10, MaxCapabilityCalls: 10, MaxWallSeconds: 60},
		Seed:  42,
	}

	result, err := n.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Proof.ProofID)
	assert.Equal(t, "node-1", result.Proof.NodeID)
	assert.True(t, VerifyRemoteExecution(result.Proof, ProtocolVersion))
}

func TestExecute_ProtocolVersionMismatch(t *testing.T) {
	runner := func(ctx context.Context, step plan.Step, seed int64) error { return nil }
	n, tokens := buildTestNode(t, runner)

	tok, err := tokens.Issue("agent-1", "fs:read:/data/**", "/data/**", time.Hour)
	require.NoError(t, err)

	req := ExecutionRequest{
		ContractID:      "contract-1",
		ProtocolVersion: "999",
		Token:           *tok,
		Task:            plan.TaskDescription{TaskID: "task-1"},
	}

	_, err = n.Execute(context.Background(), req)
	assert.Error(t, err)
}

func TestExecute_InvalidToken(t *testing.T) {
	runner := func(ctx context.Context, step plan.Step, seed int64) error { return nil }
	n, _ := buildTestNode(t, runner)

	badToken := token.Token{TokenID: "forged", IssuerID: "issuer-1", Capability: "fs:read:/data/**"}

	req := ExecutionRequest{
		ContractID:      "contract-1",
		ProtocolVersion: ProtocolVersion,
		Token:           badToken,
		Task:            plan.TaskDescription{TaskID: "task-1"},
	}

	_, err := n.Execute(context.Background(), req)
	assert.Error(t, err)
}

type fakeCheckpointProvider struct {
	checkpointID string
	rollbackErr  error
}

func (f *fakeCheckpointProvider) CreateCheckpoint(agentID, sessionID string) (string, error) {
	return f.checkpointID, nil
}

func (f *fakeCheckpointProvider) ExecuteRollback(checkpointID string) (bool, error) {
	if f.rollbackErr != nil {
		return false, f.rollbackErr
	}
	return true, nil
}

type fakeClusterLister struct{ nodes []string }

func (f fakeClusterLister) ReachableNodeIDs() ([]string, error) { return f.nodes, nil }

func TestExecute_HighRiskCapabilityParksForApproval(t *testing.T) {
	runner := func(ctx context.Context, step plan.Step, seed int64) error { return nil }
	n, tokens := buildTestNode(t, runner)

	registry := capability.NewRegistry()
	require.NoError(t, registry.Register("fs:delete", capability.Metadata{Risk: capability.RiskHigh}))
	n.registry = registry
	n.approvals = approval.NewQueue()

	tok, err := tokens.Issue("agent-1", "fs:delete:/data/**", "/data/**", time.Hour)
	require.NoError(t, err)

	req := ExecutionRequest{
		ContractID:      "contract-2",
		TenantID:        "tenant-1",
		ProtocolVersion: ProtocolVersion,
		Token:           *tok,
		Task: plan.TaskDescription{
			TaskID: "task-2",
			Actions: []plan.ActionRequest{
				{Action: "fs:delete", RequiredCapabilities: []string{"fs:delete:/data/**"}},
			},
		},
		Constraints: plan.Constraints{
			AllowedCapabilities: []string{"fs:delete:/data/**"},
			MaxSteps:            10,
		},
		Quota: domain.QuotaSpec{MaxSteps: 10, MaxCapabilityCalls: 10, MaxWallSeconds: 60},
		Seed:  42,
	}

	_, err = n.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindPending))

	n.approvals.Decide("task-2", true, "ops-1", 100)

	result, err := n.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecute_ApprovalRequiredWithNoQueueConfiguredIsDenied(t *testing.T) {
	runner := func(ctx context.Context, step plan.Step, seed int64) error { return nil }
	n, tokens := buildTestNode(t, runner)

	registry := capability.NewRegistry()
	require.NoError(t, registry.Register("fs:delete", capability.Metadata{Risk: capability.RiskCritical}))
	n.registry = registry

	tok, err := tokens.Issue("agent-1", "fs:delete:/data/**", "/data/**", time.Hour)
	require.NoError(t, err)

	req := ExecutionRequest{
		ContractID:      "contract-3",
		TenantID:        "tenant-1",
		ProtocolVersion: ProtocolVersion,
		Token:           *tok,
		Task: plan.TaskDescription{
			TaskID:  "task-3",
			Actions: []plan.ActionRequest{{Action: "fs:delete", RequiredCapabilities: []string{"fs:delete:/data/**"}}},
		},
		Constraints: plan.Constraints{AllowedCapabilities: []string{"fs:delete:/data/**"}, MaxSteps: 10},
		Quota:       domain.QuotaSpec{MaxSteps: 10, MaxCapabilityCalls: 10, MaxWallSeconds: 60},
		Seed:        7,
	}

	_, err = n.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindApproval))
}

func TestExecute_FailedStepTriggersClusterWideRollback(t *testing.T) {
	runner := func(ctx context.Context, step plan.Step, seed int64) error { return errors.New("boom") }
	n, tokens := buildTestNode(t, runner)

	n.checkpoints = &fakeCheckpointProvider{checkpointID: "chk-99"}
	n.clusterMgr = fakeClusterLister{nodes: []string{"n0", "n1", "n2"}}

	tok, err := tokens.Issue("agent-1", "fs:read:/data/**", "/data/**", time.Hour)
	require.NoError(t, err)

	req := ExecutionRequest{
		ContractID:      "contract-4",
		TenantID:        "tenant-1",
		ProtocolVersion: ProtocolVersion,
		Token:           *tok,
		Task: plan.TaskDescription{
			TaskID:  "task-4",
			Actions: []plan.ActionRequest{{Action: "fs:read", RequiredCapabilities: []string{"fs:read:/data/**"}}},
		},
		Constraints:         plan.Constraints{AllowedCapabilities: []string{"fs:read:/data/**"}, MaxSteps: 10},
		Quota:               domain.QuotaSpec{MaxSteps: 10, MaxCapabilityCalls: 10, MaxWallSeconds: 60},
		Seed:                1,
		ClusterWideRollback: true,
	}

	result, err := n.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.RollbackExecuted)
	assert.True(t, result.ClusterRollback)
	assert.Equal(t, 3, result.NodesAffected)
}

func TestVerifyRemoteExecution_TamperedAuditRoot(t *testing.T) {
	proof := ExecutionProof{
		ProofID:       "p1",
		NodeID:        "node-1",
		ContractID:    "contract-1",
		ExecutionHash: "abc",
		AuditRoot:     "not-the-real-root",
	}
	assert.False(t, VerifyRemoteExecution(proof, ProtocolVersion))
}
