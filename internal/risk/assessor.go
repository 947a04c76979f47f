package risk

import (
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/shadowscan/internal/connector"
	"github.com/lvonguyen/shadowscan/internal/workflow"
)

// PlatformRiskMetrics summarizes one platform's share of the detected risk.
type PlatformRiskMetrics struct {
	Platform       connector.Platform `json:"platform"`
	ChainCount     int                `json:"chain_count"`
	HighRiskChains int                `json:"high_risk_chains"`
	AutomatedUsers int                `json:"automated_users"`
	RiskScore      int                `json:"risk_score"` // 0-100
}

// FrameworkStatus is the per-framework compliance read for an organization.
type FrameworkStatus struct {
	Framework  string `json:"framework"`
	Status     string `json:"status"` // compliant|at_risk|violations
	Violations int    `json:"violations"`
}

// MultiPlatformRiskAssessment is the organization-scoped aggregate. It is
// recomputed in full on every analysis run; the composite score is always a
// weighted function of the constituent chains, never set independently.
type MultiPlatformRiskAssessment struct {
	OrganizationID             string                `json:"organization_id"`
	GeneratedAt                time.Time             `json:"generated_at"`
	PlatformMetrics            []PlatformRiskMetrics `json:"platform_metrics"`
	TotalAutomationChains      int                   `json:"total_automation_chains"`
	CrossPlatformExposures     int                   `json:"cross_platform_exposures"`
	ComplianceViolations       int                   `json:"compliance_violations"`
	UnauthorizedAIIntegrations int                   `json:"unauthorized_ai_integrations"`
	CompositeRiskScore         int                   `json:"composite_risk_score"` // 0-100
	OverallRiskLevel           workflow.RiskLevel    `json:"overall_risk_level"`
	ComplianceStatus           []FrameworkStatus     `json:"compliance_status"`
}

// Assessor scores chains and aggregates organization risk.
type Assessor struct {
	catalog *FrameworkCatalog
	logger  *zap.Logger
	now     func() time.Time
}

// NewAssessor creates an assessor over the given framework catalog.
func NewAssessor(catalog *FrameworkCatalog, logger *zap.Logger) *Assessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if catalog == nil {
		catalog = NewFrameworkCatalog(logger)
	}
	return &Assessor{catalog: catalog, logger: logger, now: time.Now}
}

// AssessChain computes the full risk read of one chain. OverallRisk is the
// maximum severity across the dimensions: a single critical dimension makes
// the chain critical regardless of the others.
func (a *Assessor) AssessChain(chain *workflow.AutomationWorkflowChain) workflow.ChainRiskAssessment {
	exposure := assessExposure(chain)
	impacts := a.catalog.MapChain(chain)
	business := assessBusiness(chain, exposure)

	complianceLevel := workflow.RiskLow
	for _, imp := range impacts {
		complianceLevel = workflow.MaxRiskLevel(complianceLevel, imp.Severity)
	}

	overall := workflow.MaxRiskLevel(exposureLevel(exposure.Score), complianceLevel, business.Level)

	return workflow.ChainRiskAssessment{
		DataExposure:     exposure,
		ComplianceImpact: workflow.ComplianceImpact{Frameworks: impacts},
		BusinessImpact:   business,
		OverallRisk:      overall,
		Recommendations:  recommendFor(chain, business, impacts),
	}
}

// assessExposure classifies how the chain exposes data and scores it.
func assessExposure(chain *workflow.AutomationWorkflowChain) workflow.DataExposure {
	df := chain.Workflow.DataFlow

	method := "internal_access"
	switch {
	case len(df.ExternalAccess) > 0:
		method = "external_sharing"
	case len(df.DestinationPlatforms) > 0:
		method = "cross_platform_transfer"
	}

	eventCount := 1 + len(chain.ActionEvents)
	volume := "single"
	switch {
	case eventCount >= 20:
		volume = "bulk"
	case eventCount >= 5:
		volume = "batch"
	}

	score := 10
	switch df.Sensitivity.OverallSensitivity {
	case workflow.SensitivityInternal:
		score = 30
	case workflow.SensitivityConfidential:
		score = 55
	case workflow.SensitivityRestricted:
		score = 75
	}
	if len(df.ExternalAccess) > 0 {
		score += 25
	}
	if len(df.DestinationPlatforms) > 0 {
		score += 5
	}
	for _, tr := range df.Transformations {
		if tr.Type == "ai_processing" {
			score += 10
			break
		}
	}
	if volume == "bulk" {
		score += 5
	}
	if score > 100 {
		score = 100
	}

	return workflow.DataExposure{Method: method, VolumeBucket: volume, Score: score}
}

func exposureLevel(score int) workflow.RiskLevel {
	switch {
	case score >= 85:
		return workflow.RiskCritical
	case score >= 60:
		return workflow.RiskHigh
	case score >= 40:
		return workflow.RiskMedium
	default:
		return workflow.RiskLow
	}
}

// assessBusiness derives the qualitative business read from the exposure.
func assessBusiness(chain *workflow.AutomationWorkflowChain, exposure workflow.DataExposure) workflow.BusinessImpact {
	level := exposureLevel(exposure.Score)

	financial := "under_10k"
	switch level {
	case workflow.RiskMedium:
		financial = "10k_to_100k"
	case workflow.RiskHigh:
		financial = "100k_to_1m"
	case workflow.RiskCritical:
		financial = "over_1m"
	}

	return workflow.BusinessImpact{Level: level, FinancialExposure: financial}
}

// AssessOrganization recomputes the organization-wide aggregate from the
// current assessed chains. Chains must already carry their risk assessment.
func (a *Assessor) AssessOrganization(orgID string, chains []*workflow.AutomationWorkflowChain) *MultiPlatformRiskAssessment {
	assessment := &MultiPlatformRiskAssessment{
		OrganizationID:        orgID,
		GeneratedAt:           a.now().UTC(),
		TotalAutomationChains: len(chains),
	}

	type platformTally struct {
		chains, highRisk int
		users            map[string]bool
		scoreSum         int
	}
	tallies := make(map[connector.Platform]*platformTally)
	violationsByFramework := make(map[string]int)

	var chainScoreSum int
	for _, chain := range chains {
		chainScore := riskLevelScore(chain.RiskLevel)
		chainScoreSum += chainScore

		if len(chain.Platforms) > 1 && len(chain.Workflow.DataFlow.ExternalAccess) > 0 {
			assessment.CrossPlatformExposures++
		}
		for _, imp := range chain.RiskAssessment.ComplianceImpact.Frameworks {
			violationsByFramework[imp.Framework]++
			assessment.ComplianceViolations++
		}
		for _, tr := range chain.Workflow.DataFlow.Transformations {
			if tr.Type == "ai_processing" {
				assessment.UnauthorizedAIIntegrations++
				break
			}
		}

		for _, platform := range chain.Platforms {
			t := tallies[platform]
			if t == nil {
				t = &platformTally{users: make(map[string]bool)}
				tallies[platform] = t
			}
			t.chains++
			t.scoreSum += chainScore
			if chain.RiskLevel.Rank() >= workflow.RiskHigh.Rank() {
				t.highRisk++
			}
			t.users[chain.TriggerEvent.UserID] = true
			for _, ev := range chain.ActionEvents {
				t.users[ev.UserID] = true
			}
		}
	}

	for _, platform := range connector.Platforms() {
		t := tallies[platform]
		if t == nil {
			continue
		}
		assessment.PlatformMetrics = append(assessment.PlatformMetrics, PlatformRiskMetrics{
			Platform:       platform,
			ChainCount:     t.chains,
			HighRiskChains: t.highRisk,
			AutomatedUsers: len(t.users),
			RiskScore:      t.scoreSum / t.chains,
		})
	}

	assessment.CompositeRiskScore = compositeScore(chains, chainScoreSum, assessment)
	assessment.OverallRiskLevel = exposureLevel(assessment.CompositeRiskScore)
	assessment.ComplianceStatus = complianceStatus(violationsByFramework)

	a.logger.Info("organization risk assessed",
		zap.String("org_id", orgID),
		zap.Int("chains", len(chains)),
		zap.Int("composite_score", assessment.CompositeRiskScore))
	return assessment
}

// compositeScore weights the mean chain risk with the cross-cutting counts.
// An organization with no chains scores zero.
func compositeScore(chains []*workflow.AutomationWorkflowChain, chainScoreSum int, agg *MultiPlatformRiskAssessment) int {
	if len(chains) == 0 {
		return 0
	}
	score := chainScoreSum / len(chains)
	score += min(agg.ComplianceViolations*5, 15)
	score += min(agg.UnauthorizedAIIntegrations*5, 10)
	score += min(agg.CrossPlatformExposures*3, 10)
	if score > 100 {
		score = 100
	}
	return score
}

func riskLevelScore(level workflow.RiskLevel) int {
	switch level {
	case workflow.RiskCritical:
		return 95
	case workflow.RiskHigh:
		return 75
	case workflow.RiskMedium:
		return 50
	default:
		return 25
	}
}

func complianceStatus(violations map[string]int) []FrameworkStatus {
	var statuses []FrameworkStatus
	for _, framework := range []string{FrameworkGDPR, FrameworkSOX, FrameworkHIPAA, FrameworkPCI} {
		n := violations[framework]
		status := "compliant"
		switch {
		case n >= 3:
			status = "violations"
		case n > 0:
			status = "at_risk"
		}
		statuses = append(statuses, FrameworkStatus{Framework: framework, Status: status, Violations: n})
	}
	return statuses
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
