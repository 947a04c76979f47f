package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/shadowscan/internal/connector"
	"github.com/lvonguyen/shadowscan/internal/event"
	"github.com/lvonguyen/shadowscan/internal/workflow"
)

var riskBase = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func riskEvent(id string, platform connector.Platform, action, resourceName string) *event.MultiPlatformEvent {
	return &event.MultiPlatformEvent{
		EventID:      id,
		Platform:     platform,
		Timestamp:    riskBase,
		UserID:       "svc-sync",
		EventType:    action,
		ResourceType: "file",
		ActionDetails: event.ActionDetails{
			Action:       action,
			ResourceName: resourceName,
			Metadata:     map[string]string{},
		},
	}
}

// testChain builds an assessable chain with adjustable data flow.
func testChain(resourceName string, sensitivity workflow.SensitivityClassification, external bool) *workflow.AutomationWorkflowChain {
	trigger := riskEvent("t1", connector.PlatformSlack, "file_share", resourceName)
	action := riskEvent("a1", connector.PlatformGoogle, "permission_change", resourceName)

	df := workflow.DataFlowAnalysis{
		SourceDataTypes:      []string{"file"},
		DestinationPlatforms: []connector.Platform{connector.PlatformGoogle},
		Sensitivity:          sensitivity,
	}
	if external {
		df.ExternalAccess = []workflow.ExternalServiceAccess{{Service: "slack", EventID: "t1"}}
	}

	return &workflow.AutomationWorkflowChain{
		ChainID:               "chain-1",
		ChainName:             "slack→google file automation",
		Platforms:             []connector.Platform{connector.PlatformSlack, connector.PlatformGoogle},
		TriggerEvent:          trigger,
		ActionEvents:          []*event.MultiPlatformEvent{action},
		CorrelationConfidence: 85,
		Workflow: workflow.WorkflowDetails{
			DataFlow: df,
			Automation: workflow.AutomationClassification{
				IsAutomated:    true,
				AutomationType: workflow.AutomationEventDriven,
				Frequency:      "one_time",
			},
		},
	}
}

// TestAssessChain_ExternalSharingIsAtLeastMedium verifies an externally
// shared internal document lands at medium or above.
func TestAssessChain_ExternalSharingIsAtLeastMedium(t *testing.T) {
	a := NewAssessor(nil, nil)
	chain := testChain("q3_report.xlsx",
		workflow.SensitivityClassification{OverallSensitivity: workflow.SensitivityInternal}, true)

	assessment := a.AssessChain(chain)
	assert.Equal(t, "external_sharing", assessment.DataExposure.Method)
	assert.GreaterOrEqual(t, assessment.OverallRisk.Rank(), workflow.RiskMedium.Rank())
	assert.Empty(t, assessment.ComplianceImpact.Frameworks)
	assert.NotEmpty(t, assessment.Recommendations)
}

// TestAssessChain_GDPRRequiresExternalDestination verifies the PII rule only
// fires when data leaves the organisation.
func TestAssessChain_GDPRRequiresExternalDestination(t *testing.T) {
	a := NewAssessor(nil, nil)
	pii := workflow.SensitivityClassification{PII: true, OverallSensitivity: workflow.SensitivityConfidential}

	internal := a.AssessChain(testChain("employee_roster.csv", pii, false))
	assert.Empty(t, frameworksOf(internal, FrameworkGDPR))

	external := a.AssessChain(testChain("employee_roster.csv", pii, true))
	gdpr := frameworksOf(external, FrameworkGDPR)
	require.NotEmpty(t, gdpr)
	assert.Equal(t, workflow.RiskCritical, external.OverallRisk,
		"uncontrolled transfer of personal data is critical")
}

// TestAssessChain_FrameworkRules verifies the SOX, HIPAA, and PCI mappings.
func TestAssessChain_FrameworkRules(t *testing.T) {
	a := NewAssessor(nil, nil)

	t.Run("financial data with control-relevant action", func(t *testing.T) {
		cls := workflow.SensitivityClassification{Financial: true, OverallSensitivity: workflow.SensitivityConfidential}
		assessment := a.AssessChain(testChain("payroll_march.xlsx", cls, false))
		assert.NotEmpty(t, frameworksOf(assessment, FrameworkSOX))
	})

	t.Run("health data flags hipaa regardless of destination", func(t *testing.T) {
		cls := workflow.SensitivityClassification{Health: true, OverallSensitivity: workflow.SensitivityRestricted}
		assessment := a.AssessChain(testChain("patient_records.pdf", cls, false))
		assert.NotEmpty(t, frameworksOf(assessment, FrameworkHIPAA))
		assert.Equal(t, workflow.RiskCritical, assessment.OverallRisk)
	})

	t.Run("payment data flags pci", func(t *testing.T) {
		cls := workflow.SensitivityClassification{Financial: true, OverallSensitivity: workflow.SensitivityConfidential}
		assessment := a.AssessChain(testChain("cardholder_export.csv", cls, false))
		assert.NotEmpty(t, frameworksOf(assessment, FrameworkPCI))
	})
}

// TestAssessChain_OverallRiskIsMaxNotAverage verifies one critical dimension
// makes the whole chain critical.
func TestAssessChain_OverallRiskIsMaxNotAverage(t *testing.T) {
	a := NewAssessor(nil, nil)
	cls := workflow.SensitivityClassification{Health: true, OverallSensitivity: workflow.SensitivityRestricted}
	chain := testChain("patient_records.pdf", cls, false)

	assessment := a.AssessChain(chain)
	// Exposure alone scores below critical; HIPAA severity pulls it up.
	assert.Less(t, assessment.DataExposure.Score, 85)
	assert.Equal(t, workflow.RiskCritical, assessment.OverallRisk)
}

// TestAssessChain_RecommendationOrdering verifies recommendations come out
// highest priority first.
func TestAssessChain_RecommendationOrdering(t *testing.T) {
	a := NewAssessor(nil, nil)
	cls := workflow.SensitivityClassification{PII: true, OverallSensitivity: workflow.SensitivityConfidential}
	assessment := a.AssessChain(testChain("customer_list.csv", cls, true))

	require.Greater(t, len(assessment.Recommendations), 1)
	for i := 1; i < len(assessment.Recommendations); i++ {
		assert.GreaterOrEqual(t,
			assessment.Recommendations[i-1].Priority.Rank(),
			assessment.Recommendations[i].Priority.Rank())
	}
}

// TestAssessOrganization verifies the aggregate counts, per-platform
// metrics, and that the composite score tracks constituent chain risk.
func TestAssessOrganization(t *testing.T) {
	a := NewAssessor(nil, nil)

	pii := workflow.SensitivityClassification{PII: true, OverallSensitivity: workflow.SensitivityConfidential}
	plain := workflow.SensitivityClassification{OverallSensitivity: workflow.SensitivityInternal}

	risky := testChain("customer_list.csv", pii, true)
	risky.RiskAssessment = a.AssessChain(risky)
	risky.RiskLevel = risky.RiskAssessment.OverallRisk

	mild := testChain("meeting_notes.txt", plain, false)
	mild.ChainID = "chain-2"
	mild.RiskAssessment = a.AssessChain(mild)
	mild.RiskLevel = mild.RiskAssessment.OverallRisk

	assessment := a.AssessOrganization("org-1", []*workflow.AutomationWorkflowChain{risky, mild})

	assert.Equal(t, "org-1", assessment.OrganizationID)
	assert.Equal(t, 2, assessment.TotalAutomationChains)
	assert.Equal(t, 1, assessment.CrossPlatformExposures)
	assert.Equal(t, 2, assessment.ComplianceViolations) // both GDPR articles
	require.Len(t, assessment.PlatformMetrics, 2)
	for _, pm := range assessment.PlatformMetrics {
		assert.Equal(t, 2, pm.ChainCount)
	}
	assert.Greater(t, assessment.CompositeRiskScore, 0)
	assert.LessOrEqual(t, assessment.CompositeRiskScore, 100)

	gdpr := statusOf(assessment, FrameworkGDPR)
	require.NotNil(t, gdpr)
	assert.Equal(t, "at_risk", gdpr.Status)
	assert.Equal(t, 2, gdpr.Violations)
}

// TestAssessOrganization_Empty verifies no chains scores zero, not an error.
func TestAssessOrganization_Empty(t *testing.T) {
	a := NewAssessor(nil, nil)
	assessment := a.AssessOrganization("org-1", nil)

	assert.Equal(t, 0, assessment.TotalAutomationChains)
	assert.Equal(t, 0, assessment.CompositeRiskScore)
	assert.Empty(t, assessment.PlatformMetrics)
	for _, fs := range assessment.ComplianceStatus {
		assert.Equal(t, "compliant", fs.Status)
	}
}

func frameworksOf(assessment workflow.ChainRiskAssessment, framework string) []workflow.FrameworkImpact {
	var out []workflow.FrameworkImpact
	for _, imp := range assessment.ComplianceImpact.Frameworks {
		if imp.Framework == framework {
			out = append(out, imp)
		}
	}
	return out
}

func statusOf(assessment *MultiPlatformRiskAssessment, framework string) *FrameworkStatus {
	for i := range assessment.ComplianceStatus {
		if assessment.ComplianceStatus[i].Framework == framework {
			return &assessment.ComplianceStatus[i]
		}
	}
	return nil
}
