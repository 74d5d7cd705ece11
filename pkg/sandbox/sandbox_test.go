package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfabric/aegis/pkg/domain"
	"github.com/aegisfabric/aegis/pkg/plan"
)

func samplePlan() *plan.Plan {
	p := &plan.Plan{
		PlanID: "p1",
		TaskID: "t1",
		Steps: []plan.Step{
			{StepID: "s1", Action: "read", RequiredCapabilities: []string{"fs:read:/workspace/**"}},
			{StepID: "s2", Action: "write", RequiredCapabilities: []string{"fs:write:/workspace/**"}},
		},
		RequiredCapabilities: []string{"fs:read:/workspace/**", "fs:write:/workspace/**"},
		PlanHash:             "hash-1",
	}
	return p
}

func fixedClock(ts int64) func() int64 {
	return func() int64 { return ts }
}

func TestRunHappyPath(t *testing.T) {
	dom := domain.NewExecutionDomain("d1", "tenant-a", []string{"fs:read:/workspace/**", "fs:write:/workspace/**"})
	q := (domain.TenantContext{Quota: domain.QuotaSpec{MaxSteps: 10, MaxCapabilityCalls: 10}}).NewQuotaTracker()
	sb := New(func(ctx context.Context, step plan.Step, seed int64) error { return nil }, fixedClock(1000))

	result := sb.Run(context.Background(), samplePlan(), ExecutionContext{TenantID: "tenant-a"}, dom, q)
	assert.True(t, result.Success)
	assert.Len(t, result.Trace, 2)
	assert.NotEmpty(t, result.StateHash)
}

func TestRunRejectsCrossTenantDomain(t *testing.T) {
	dom := domain.NewExecutionDomain("d1", "tenant-b", []string{"fs:read:/workspace/**"})
	q := (domain.TenantContext{Quota: domain.QuotaSpec{MaxSteps: 10, MaxCapabilityCalls: 10}}).NewQuotaTracker()
	sb := New(func(ctx context.Context, step plan.Step, seed int64) error { return nil }, fixedClock(1000))

	result := sb.Run(context.Background(), samplePlan(), ExecutionContext{TenantID: "tenant-a"}, dom, q)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "tenant mismatch")
}

func TestRunRejectsOutOfScopeCapability(t *testing.T) {
	dom := domain.NewExecutionDomain("d1", "tenant-a", []string{"fs:read:/workspace/**"})
	q := (domain.TenantContext{Quota: domain.QuotaSpec{MaxSteps: 10, MaxCapabilityCalls: 10}}).NewQuotaTracker()
	sb := New(func(ctx context.Context, step plan.Step, seed int64) error { return nil }, fixedClock(1000))

	result := sb.Run(context.Background(), samplePlan(), ExecutionContext{TenantID: "tenant-a"}, dom, q)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "capability out of domain scope")
}

func TestRunStopsOnFirstFailureAndSkipsRemaining(t *testing.T) {
	dom := domain.NewExecutionDomain("d1", "tenant-a", []string{"fs:read:/workspace/**", "fs:write:/workspace/**"})
	q := (domain.TenantContext{Quota: domain.QuotaSpec{MaxSteps: 10, MaxCapabilityCalls: 10}}).NewQuotaTracker()

	calls := 0
	sb := New(func(ctx context.Context, step plan.Step, seed int64) error {
		calls++
		if step.StepID == "s1" {
			return assertErr{}
		}
		return nil
	}, fixedClock(1000))

	result := sb.Run(context.Background(), samplePlan(), ExecutionContext{TenantID: "tenant-a"}, dom, q)
	assert.False(t, result.Success)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, 1, calls)
}

type assertErr struct{}

func (assertErr) Error() string { return "step failed" }

func TestReplayProducesIdenticalStateHash(t *testing.T) {
	dom := domain.NewExecutionDomain("d1", "tenant-a", []string{"fs:read:/workspace/**", "fs:write:/workspace/**"})
	sb := New(func(ctx context.Context, step plan.Step, seed int64) error { return nil }, fixedClock(1000))

	q1 := (domain.TenantContext{Quota: domain.QuotaSpec{MaxSteps: 10, MaxCapabilityCalls: 10}}).NewQuotaTracker()
	r1 := sb.Run(context.Background(), samplePlan(), ExecutionContext{TenantID: "tenant-a"}, dom, q1)

	q2 := (domain.TenantContext{Quota: domain.QuotaSpec{MaxSteps: 10, MaxCapabilityCalls: 10}}).NewQuotaTracker()
	r2 := sb.Replay(context.Background(), samplePlan(), ExecutionContext{TenantID: "tenant-a"}, dom, q2)

	assert.Equal(t, r1.StateHash, r2.StateHash)
	assert.Equal(t, r1.Trace, r2.Trace)
}

func TestRunRejectsInsufficientStepQuota(t *testing.T) {
	dom := domain.NewExecutionDomain("d1", "tenant-a", []string{"fs:read:/workspace/**", "fs:write:/workspace/**"})
	q := (domain.TenantContext{Quota: domain.QuotaSpec{MaxSteps: 1, MaxCapabilityCalls: 10}}).NewQuotaTracker()
	sb := New(func(ctx context.Context, step plan.Step, seed int64) error { return nil }, fixedClock(1000))

	result := sb.Run(context.Background(), samplePlan(), ExecutionContext{TenantID: "tenant-a"}, dom, q)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "insufficient step quota")
}
