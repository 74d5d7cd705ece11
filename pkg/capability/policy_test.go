package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateIssuanceRejectsHighRisk(t *testing.T) {
	e := NewEngine(RiskElevated, nil)
	ok, reason := e.EvaluateIssuance(Metadata{Risk: RiskHigh})
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestEvaluateWorkflowDetectsMissingCapability(t *testing.T) {
	e := NewEngine(RiskCritical, nil)
	steps := []WorkflowStep{
		{StepID: "s0", Action: "read", RequiredCapabilities: []string{"fs:read"}},
	}
	result := e.EvaluateWorkflow(steps, nil)
	assert.False(t, result.OK)
	assert.Equal(t, ViolationMissingCapability, result.Violations[0].Kind)
}

func TestEvaluateWorkflowDetectsScopeExceed(t *testing.T) {
	e := NewEngine(RiskCritical, nil)
	steps := []WorkflowStep{
		{StepID: "s0", Action: "read", RequiredCapabilities: []string{"fs:read:/etc/**"}},
	}
	result := e.EvaluateWorkflow(steps, []string{"fs:read:/workspace/**"})
	assert.False(t, result.OK)
	assert.Equal(t, ViolationScopeExceed, result.Violations[0].Kind)
}

func TestEvaluateWorkflowAllowsWithinGrantedScope(t *testing.T) {
	e := NewEngine(RiskCritical, nil)
	steps := []WorkflowStep{
		{StepID: "s0", Action: "read", RequiredCapabilities: []string{"fs:read:/workspace/file.txt"}},
	}
	result := e.EvaluateWorkflow(steps, []string{"fs:read:/workspace/**"})
	assert.True(t, result.OK)
}

func TestEvaluateWorkflowDetectsForbiddenAction(t *testing.T) {
	e := NewEngine(RiskCritical, []Rule{{Name: "no-delete", Forbidden: map[string]bool{"delete": true}}})
	steps := []WorkflowStep{
		{StepID: "s0", Action: "delete", RequiredCapabilities: nil},
	}
	result := e.EvaluateWorkflow(steps, nil)
	assert.False(t, result.OK)
	assert.Equal(t, ViolationForbiddenAction, result.Violations[0].Kind)
}

func TestEvaluateWorkflowDetectsDependencyCycle(t *testing.T) {
	e := NewEngine(RiskCritical, nil)
	steps := []WorkflowStep{
		{StepID: "s0", Action: "a", DependsOn: []string{"s1"}},
		{StepID: "s1", Action: "b", DependsOn: []string{"s0"}},
	}
	result := e.EvaluateWorkflow(steps, nil)
	assert.False(t, result.OK)
	found := false
	for _, v := range result.Violations {
		if v.Kind == ViolationDependencyCycle {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPolicyHashStableAcrossInstances(t *testing.T) {
	rules := []Rule{{Name: "no-delete", Forbidden: map[string]bool{"delete": true}}}
	e1 := NewEngine(RiskElevated, rules)
	e2 := NewEngine(RiskElevated, rules)
	assert.Equal(t, e1.PolicyHash(), e2.PolicyHash())
}

func TestPolicyHashChangesWithRules(t *testing.T) {
	e1 := NewEngine(RiskElevated, nil)
	e2 := NewEngine(RiskElevated, []Rule{{Name: "x", Forbidden: map[string]bool{"y": true}}})
	assert.NotEqual(t, e1.PolicyHash(), e2.PolicyHash())
}
