package risk

import (
	"fmt"
	"sort"

	"github.com/lvonguyen/shadowscan/internal/workflow"
)

// recommendFor builds the remediation recommendations for one assessed
// chain. Priority combines business impact and compliance impact: a chain
// that is both high-impact and regulated demands immediate action.
func recommendFor(chain *workflow.AutomationWorkflowChain, business workflow.BusinessImpact, impacts []workflow.FrameworkImpact) []workflow.Recommendation {
	complianceSeverity := workflow.RiskLow
	for _, imp := range impacts {
		complianceSeverity = workflow.MaxRiskLevel(complianceSeverity, imp.Severity)
	}
	basePriority := combinePriority(business.Level, complianceSeverity)

	var recs []workflow.Recommendation
	add := func(action string, priority workflow.ActionPriority, rationale string) {
		recs = append(recs, workflow.Recommendation{Action: action, Priority: priority, Rationale: rationale})
	}

	add(fmt.Sprintf("Review and approve or revoke the automation behind chain %q", chain.ChainName),
		basePriority,
		"the workflow operates without a sanctioned integration record")

	if len(chain.Workflow.DataFlow.ExternalAccess) > 0 {
		add("Restrict external sharing for the resources this chain touches",
			raisePriority(basePriority),
			"chain events move data outside the organisation boundary")
	}

	for _, tr := range chain.Workflow.DataFlow.Transformations {
		if tr.Type == "ai_processing" {
			add(fmt.Sprintf("Audit data sent to AI provider %q and revoke its OAuth grants if unapproved", tr.AIProvider),
				raisePriority(basePriority),
				"organisational data is routed through an external AI service")
			break
		}
	}

	for _, imp := range impacts {
		add(fmt.Sprintf("Document and remediate the %s exposure (%s)", imp.Framework, imp.Requirement),
			combinePriority(imp.Severity, imp.Severity),
			imp.Detail)
	}

	if chain.Workflow.Automation.AutomationType == workflow.AutomationTimeBased {
		add("Identify the scheduler or cron driving this chain and place it under change control",
			basePriority,
			"regular-interval execution indicates an unattended scheduled job")
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority.Rank() > recs[j].Priority.Rank()
	})
	return recs
}

// combinePriority maps a business and compliance severity pair onto an
// action priority.
func combinePriority(business, compliance workflow.RiskLevel) workflow.ActionPriority {
	worst := workflow.MaxRiskLevel(business, compliance)
	switch worst {
	case workflow.RiskCritical:
		return workflow.PriorityImmediate
	case workflow.RiskHigh:
		return workflow.PriorityHigh
	case workflow.RiskMedium:
		return workflow.PriorityMedium
	default:
		return workflow.PriorityLow
	}
}

func raisePriority(p workflow.ActionPriority) workflow.ActionPriority {
	switch p {
	case workflow.PriorityLow:
		return workflow.PriorityMedium
	case workflow.PriorityMedium:
		return workflow.PriorityHigh
	default:
		return workflow.PriorityImmediate
	}
}
