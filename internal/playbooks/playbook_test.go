package playbooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/shadowscan/internal/workflow"
)

func chainFixture(mutate func(*workflow.AutomationWorkflowChain)) *workflow.AutomationWorkflowChain {
	chain := &workflow.AutomationWorkflowChain{
		ChainID:   "chain-1",
		ChainName: "slack→google file automation",
		RiskLevel: workflow.RiskMedium,
	}
	if mutate != nil {
		mutate(chain)
	}
	return chain
}

// TestMatchChain_AIDataFlow fires the AI data flow playbook only for
// high-risk chains with an AI transformation.
func TestMatchChain_AIDataFlow(t *testing.T) {
	m := NewManager(nil)

	aiChain := chainFixture(func(c *workflow.AutomationWorkflowChain) {
		c.RiskLevel = workflow.RiskHigh
		c.Workflow.DataFlow.Transformations = []workflow.DataTransformation{
			{Type: "ai_processing", AIProvider: "openai"},
		}
	})

	matched := m.MatchChain(aiChain)
	require.NotEmpty(t, matched)
	assert.Equal(t, "pb-ai-dataflow-001", matched[0].ID)

	// same chain at medium risk does not fire the AI playbook
	aiChain.RiskLevel = workflow.RiskMedium
	for _, pb := range m.MatchChain(aiChain) {
		assert.NotEqual(t, "pb-ai-dataflow-001", pb.ID)
	}
}

// TestMatchChain_ExternalSharing fires the external sharing playbook for a
// medium-risk chain with external service access.
func TestMatchChain_ExternalSharing(t *testing.T) {
	m := NewManager(nil)

	chain := chainFixture(func(c *workflow.AutomationWorkflowChain) {
		c.Workflow.DataFlow.ExternalAccess = []workflow.ExternalServiceAccess{
			{Endpoint: "external_channel"},
		}
	})

	ids := matchedIDs(m.MatchChain(chain))
	assert.Contains(t, ids, "pb-external-share-001")
}

// TestMatchChain_RegulatedData fires the regulated data playbook for any
// chain implicating a compliance framework, independent of risk level.
func TestMatchChain_RegulatedData(t *testing.T) {
	m := NewManager(nil)

	chain := chainFixture(func(c *workflow.AutomationWorkflowChain) {
		c.RiskLevel = workflow.RiskLow
		c.RiskAssessment.ComplianceImpact.Frameworks = []workflow.FrameworkImpact{
			{Framework: "GDPR", Requirement: "Art. 44"},
		}
	})

	ids := matchedIDs(m.MatchChain(chain))
	assert.Contains(t, ids, "pb-regulated-001")
}

// TestMatchChain_NoMatch returns nothing for an unremarkable internal
// chain.
func TestMatchChain_NoMatch(t *testing.T) {
	m := NewManager(nil)
	chain := chainFixture(func(c *workflow.AutomationWorkflowChain) {
		c.RiskLevel = workflow.RiskLow
	})
	assert.Empty(t, m.MatchChain(chain))
}

// TestLoad_CustomPlaybook parses duration strings in steps and escalation
// and makes the playbook matchable.
func TestLoad_CustomPlaybook(t *testing.T) {
	m := NewManager(nil)

	err := m.Load([]byte(`
id: pb-custom-001
name: Custom Off-Hours Response
severity: medium
triggers:
  - min_risk_level: critical
steps:
  - id: step-1
    name: Disable Account
    type: automated
    owner: security_analyst
    timeout: 30m
    actions:
      - type: suspend
        target: automation_credentials
        automated: true
    on_failure: escalate
escalation:
  time_limit: 1h
  notify_roles: [security_lead]
  channels: [slack]
`))
	require.NoError(t, err)

	pb, ok := m.Get("pb-custom-001")
	require.True(t, ok)
	require.Len(t, pb.Steps, 1)
	assert.Equal(t, 30*time.Minute, pb.Steps[0].Timeout)
	assert.Equal(t, time.Hour, pb.Escalation.TimeLimit)

	critical := chainFixture(func(c *workflow.AutomationWorkflowChain) {
		c.RiskLevel = workflow.RiskCritical
	})
	assert.Contains(t, matchedIDs(m.MatchChain(critical)), "pb-custom-001")
}

// TestLoad_Invalid rejects playbooks without an id or with malformed
// durations.
func TestLoad_Invalid(t *testing.T) {
	m := NewManager(nil)
	assert.Error(t, m.Load([]byte(`name: no id`)))
	assert.Error(t, m.Load([]byte(`
id: pb-bad
steps:
  - id: step-1
    timeout: soon
`)))
}

// TestExport_RoundTrip serializes a playbook and reloads it with the same
// step timeouts.
func TestExport_RoundTrip(t *testing.T) {
	m := NewManager(nil)
	data, err := m.Export("pb-ai-dataflow-001")
	require.NoError(t, err)

	fresh := NewManager(nil)
	require.NoError(t, fresh.Load(data))
	pb, ok := fresh.Get("pb-ai-dataflow-001")
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, pb.Steps[0].Timeout)

	_, err = m.Export("pb-missing")
	assert.Error(t, err)
}

// TestList_Sorted returns the library in ID order.
func TestList_Sorted(t *testing.T) {
	m := NewManager(nil)
	list := m.List()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
}

func matchedIDs(pbs []*ResponsePlaybook) []string {
	ids := make([]string, 0, len(pbs))
	for _, pb := range pbs {
		ids = append(ids, pb.ID)
	}
	return ids
}
