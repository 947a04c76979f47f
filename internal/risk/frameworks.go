// Package risk scores automation chains and aggregates organization-wide
// risk: data exposure, regulatory impact, business impact, and ranked
// remediation recommendations.
package risk

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/shadowscan/internal/workflow"
)

// Framework identifiers.
const (
	FrameworkGDPR  = "GDPR"
	FrameworkSOX   = "SOX"
	FrameworkHIPAA = "HIPAA"
	FrameworkPCI   = "PCI-DSS"
)

// Requirement is one regulatory requirement an automation chain can violate.
type Requirement struct {
	Framework   string             `json:"framework"`
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Severity    workflow.RiskLevel `json:"severity"`
	URL         string             `json:"url"`
}

// soxActions are the action types that implicate financial reporting
// controls when they touch financial data.
var soxActions = map[string]bool{
	"file_share":        true,
	"permission_change": true,
	"export":            true,
	"file_download":     true,
	"delete":            true,
}

// FrameworkCatalog maps chains to the regulatory requirements they
// implicate. The requirement set ships built in and is looked up by rule,
// not fetched remotely.
type FrameworkCatalog struct {
	requirements map[string][]*Requirement
	mu           sync.RWMutex
	logger       *zap.Logger
}

// NewFrameworkCatalog creates a catalog seeded with the built-in
// requirements for GDPR, SOX, HIPAA, and PCI-DSS.
func NewFrameworkCatalog(logger *zap.Logger) *FrameworkCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &FrameworkCatalog{
		requirements: make(map[string][]*Requirement),
		logger:       logger,
	}
	c.initializeRequirements()
	return c
}

func (c *FrameworkCatalog) initializeRequirements() {
	add := func(r *Requirement) {
		c.requirements[r.Framework] = append(c.requirements[r.Framework], r)
	}

	add(&Requirement{
		Framework:   FrameworkGDPR,
		ID:          "Art.32",
		Name:        "Security of processing",
		Description: "Personal data processed by unsanctioned automation lacks the required technical and organisational safeguards",
		Severity:    workflow.RiskHigh,
		URL:         "https://gdpr-info.eu/art-32-gdpr/",
	})
	add(&Requirement{
		Framework:   FrameworkGDPR,
		ID:          "Art.44",
		Name:        "General principle for transfers",
		Description: "Personal data leaving the organisation boundary through an automation chain constitutes an uncontrolled transfer",
		Severity:    workflow.RiskCritical,
		URL:         "https://gdpr-info.eu/art-44-gdpr/",
	})
	add(&Requirement{
		Framework:   FrameworkSOX,
		ID:          "404",
		Name:        "Management assessment of internal controls",
		Description: "Automated modification or distribution of financial records bypasses internal control over financial reporting",
		Severity:    workflow.RiskHigh,
		URL:         "https://www.sec.gov/rules/final/33-8238.htm",
	})
	add(&Requirement{
		Framework:   FrameworkHIPAA,
		ID:          "164.312",
		Name:        "Technical safeguards",
		Description: "Electronic protected health information accessed by unsanctioned automation violates access control and transmission security safeguards",
		Severity:    workflow.RiskCritical,
		URL:         "https://www.ecfr.gov/current/title-45/part-164/section-164.312",
	})
	add(&Requirement{
		Framework:   FrameworkPCI,
		ID:          "Req.3",
		Name:        "Protect stored account data",
		Description: "Cardholder data handled by unapproved automation falls outside the cardholder data environment's controls",
		Severity:    workflow.RiskCritical,
		URL:         "https://www.pcisecuritystandards.org/",
	})
}

// Requirements returns the catalog entries for one framework.
func (c *FrameworkCatalog) Requirements(framework string) []*Requirement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requirements[framework]
}

// MapChain applies the compliance rules to one chain and returns every
// framework requirement it implicates:
//
//	PII plus an external destination implicates GDPR; financial data moved
//	by control-relevant actions implicates SOX; health data implicates
//	HIPAA; payment card data implicates PCI-DSS.
func (c *FrameworkCatalog) MapChain(chain *workflow.AutomationWorkflowChain) []workflow.FrameworkImpact {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sens := chain.Workflow.DataFlow.Sensitivity
	external := len(chain.Workflow.DataFlow.ExternalAccess) > 0

	var impacts []workflow.FrameworkImpact

	if sens.PII && external {
		for _, req := range c.requirements[FrameworkGDPR] {
			impacts = append(impacts, c.impact(req, chain,
				"personal data crosses the organisation boundary through this chain"))
		}
	}
	if sens.Financial && chainUsesAction(chain, soxActions) {
		for _, req := range c.requirements[FrameworkSOX] {
			impacts = append(impacts, c.impact(req, chain,
				"financial records are moved by actions relevant to reporting controls"))
		}
	}
	if sens.Health {
		for _, req := range c.requirements[FrameworkHIPAA] {
			impacts = append(impacts, c.impact(req, chain,
				"protected health information is handled by unsanctioned automation"))
		}
	}
	if workflow.TouchesPaymentData(chain) {
		for _, req := range c.requirements[FrameworkPCI] {
			impacts = append(impacts, c.impact(req, chain,
				"payment card data references appear in chain events"))
		}
	}

	if len(impacts) > 0 {
		c.logger.Debug("chain implicates compliance frameworks",
			zap.String("chain_id", chain.ChainID),
			zap.Int("impacts", len(impacts)))
	}
	return impacts
}

func (c *FrameworkCatalog) impact(req *Requirement, chain *workflow.AutomationWorkflowChain, detail string) workflow.FrameworkImpact {
	return workflow.FrameworkImpact{
		Framework:   req.Framework,
		Requirement: fmt.Sprintf("%s %s", req.ID, req.Name),
		Severity:    req.Severity,
		Detail:      detail,
	}
}

func chainUsesAction(chain *workflow.AutomationWorkflowChain, actions map[string]bool) bool {
	if actions[strings.ToLower(chain.TriggerEvent.ActionDetails.Action)] {
		return true
	}
	for _, ev := range chain.ActionEvents {
		if actions[strings.ToLower(ev.ActionDetails.Action)] {
			return true
		}
	}
	return false
}
