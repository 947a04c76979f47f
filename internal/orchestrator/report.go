package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lvonguyen/shadowscan/internal/risk"
	"github.com/lvonguyen/shadowscan/internal/workflow"
)

// ErrNoAnalysisAvailable means no analysis has run for the organization yet.
// The caller must trigger one first; report generation never does.
var ErrNoAnalysisAvailable = errors.New("no analysis available for organization")

// ExecutiveRiskReport is the compact stakeholder-facing reduction of the
// latest analysis result.
type ExecutiveRiskReport struct {
	OrganizationID             string                     `json:"organization_id"`
	GeneratedAt                time.Time                  `json:"generated_at"`
	ReportPeriod               TimeRange                  `json:"report_period"`
	OverallRiskLevel           workflow.RiskLevel         `json:"overall_risk_level"`
	CompositeRiskScore         int                        `json:"composite_risk_score"`
	TotalAutomationChains      int                        `json:"total_automation_chains"`
	CrossPlatformChains        int                        `json:"cross_platform_chains"`
	HighRiskChains             int                        `json:"high_risk_chains"`
	UnauthorizedAIIntegrations int                        `json:"unauthorized_ai_integrations"`
	ComplianceViolations       int                        `json:"compliance_violations"`
	PlatformBreakdown          []risk.PlatformRiskMetrics `json:"platform_breakdown"`
	ComplianceStatus           []risk.FrameworkStatus     `json:"compliance_status"`
	KeyFindings                []string                   `json:"key_findings"`
	TopRecommendations         []workflow.Recommendation  `json:"top_recommendations"`
	ResponsePlaybooks          []PlaybookRecommendation   `json:"response_playbooks,omitempty"`
	Partial                    bool                       `json:"partial,omitempty"`
}

// PlaybookRecommendation names a response playbook triggered by one or
// more chains in the report period.
type PlaybookRecommendation struct {
	PlaybookID string   `json:"playbook_id"`
	Name       string   `json:"name"`
	Severity   string   `json:"severity"`
	ChainIDs   []string `json:"chain_ids"`
}

// maxTopRecommendations bounds the executive recommendation list.
const maxTopRecommendations = 5

// GenerateExecutiveReport reduces the latest analysis into an executive
// summary. It never triggers a new analysis: with none available it fails
// with ErrNoAnalysisAvailable.
func (o *Orchestrator) GenerateExecutiveReport(orgID string) (*ExecutiveRiskReport, error) {
	last := o.lastResult(orgID)
	if last == nil {
		return nil, fmt.Errorf("organization %q: %w", orgID, ErrNoAnalysisAvailable)
	}

	assessment := last.RiskAssessment
	report := &ExecutiveRiskReport{
		OrganizationID:             orgID,
		GeneratedAt:                o.now().UTC(),
		ReportPeriod:               last.TimeRange,
		OverallRiskLevel:           assessment.OverallRiskLevel,
		CompositeRiskScore:         assessment.CompositeRiskScore,
		TotalAutomationChains:      assessment.TotalAutomationChains,
		CrossPlatformChains:        last.Summary.CrossPlatformChains,
		UnauthorizedAIIntegrations: assessment.UnauthorizedAIIntegrations,
		ComplianceViolations:       assessment.ComplianceViolations,
		PlatformBreakdown:          assessment.PlatformMetrics,
		ComplianceStatus:           assessment.ComplianceStatus,
		Partial:                    last.Partial,
	}

	for _, chain := range last.Chains {
		if chain.RiskLevel.Rank() >= workflow.RiskHigh.Rank() {
			report.HighRiskChains++
		}
	}
	report.KeyFindings = keyFindings(last)
	report.TopRecommendations = topRecommendations(last.Chains)
	report.ResponsePlaybooks = o.matchPlaybooks(last.Chains)
	return report, nil
}

// matchPlaybooks collects the response playbooks triggered by any chain,
// grouping the chains that fired each one.
func (o *Orchestrator) matchPlaybooks(chains []*workflow.AutomationWorkflowChain) []PlaybookRecommendation {
	byID := make(map[string]*PlaybookRecommendation)
	var order []string
	for _, chain := range chains {
		for _, pb := range o.playbooks.MatchChain(chain) {
			rec, ok := byID[pb.ID]
			if !ok {
				rec = &PlaybookRecommendation{
					PlaybookID: pb.ID,
					Name:       pb.Name,
					Severity:   pb.Severity,
				}
				byID[pb.ID] = rec
				order = append(order, pb.ID)
			}
			rec.ChainIDs = append(rec.ChainIDs, chain.ChainID)
		}
	}
	sort.Strings(order)
	out := make([]PlaybookRecommendation, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func keyFindings(result *CorrelationAnalysisResult) []string {
	var findings []string
	if result.Summary.CrossPlatformChains > 0 {
		findings = append(findings, fmt.Sprintf("%d automation chain(s) span multiple platforms",
			result.Summary.CrossPlatformChains))
	}
	if result.RiskAssessment.UnauthorizedAIIntegrations > 0 {
		findings = append(findings, fmt.Sprintf("%d chain(s) route organisational data through external AI providers",
			result.RiskAssessment.UnauthorizedAIIntegrations))
	}
	if result.RiskAssessment.ComplianceViolations > 0 {
		findings = append(findings, fmt.Sprintf("%d regulatory requirement(s) implicated across detected chains",
			result.RiskAssessment.ComplianceViolations))
	}
	for _, chain := range result.Chains {
		if chain.RiskLevel == workflow.RiskCritical {
			findings = append(findings, fmt.Sprintf("critical: %s (confidence %d%%)",
				chain.ChainName, chain.CorrelationConfidence))
		}
	}
	if len(findings) == 0 {
		findings = append(findings, "no unsanctioned cross-platform automation detected in the analyzed window")
	}
	return findings
}

// topRecommendations collects the highest-priority recommendations across
// all chains, deduplicated by action text.
func topRecommendations(chains []*workflow.AutomationWorkflowChain) []workflow.Recommendation {
	var all []workflow.Recommendation
	seen := make(map[string]bool)
	for _, chain := range chains {
		for _, rec := range chain.RiskAssessment.Recommendations {
			if seen[rec.Action] {
				continue
			}
			seen[rec.Action] = true
			all = append(all, rec)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Priority.Rank() > all[j].Priority.Rank()
	})
	if len(all) > maxTopRecommendations {
		all = all[:maxTopRecommendations]
	}
	return all
}
