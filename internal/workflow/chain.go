// Package workflow turns accepted temporal correlations into automation
// workflow chains: the named, staged, risk-assessable unit the rest of the
// pipeline reports on. The chain and its risk assessment types live here so
// assessors and reporters share one model.
package workflow

import (
	"time"

	"github.com/lvonguyen/shadowscan/internal/connector"
	"github.com/lvonguyen/shadowscan/internal/event"
)

// RiskLevel grades a chain or one of its risk dimensions.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Rank orders risk levels; unknown levels rank lowest.
func (r RiskLevel) Rank() int { return riskRank[r] }

// MaxRiskLevel returns the most severe of the given levels.
func MaxRiskLevel(levels ...RiskLevel) RiskLevel {
	max := RiskLow
	for _, l := range levels {
		if l.Rank() > max.Rank() {
			max = l
		}
	}
	return max
}

// Sensitivity classifies data handled by a chain.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

var sensitivityRank = map[Sensitivity]int{
	SensitivityPublic:       1,
	SensitivityInternal:     2,
	SensitivityConfidential: 3,
	SensitivityRestricted:   4,
}

// Rank orders sensitivity levels; unknown levels rank lowest.
func (s Sensitivity) Rank() int { return sensitivityRank[s] }

// AutomationType classifies how a chain is driven.
type AutomationType string

const (
	AutomationHumanTriggered AutomationType = "human_triggered"
	AutomationTimeBased      AutomationType = "time_based"
	AutomationEventDriven    AutomationType = "event_driven"
	AutomationAPIDriven      AutomationType = "api_driven"
)

// ActionPriority ranks recommended actions.
type ActionPriority string

const (
	PriorityImmediate ActionPriority = "immediate"
	PriorityHigh      ActionPriority = "high"
	PriorityMedium    ActionPriority = "medium"
	PriorityLow       ActionPriority = "low"
)

var priorityRank = map[ActionPriority]int{
	PriorityImmediate: 4,
	PriorityHigh:      3,
	PriorityMedium:    2,
	PriorityLow:       1,
}

// Rank orders action priorities; unknown priorities rank lowest.
func (p ActionPriority) Rank() int { return priorityRank[p] }

// WorkflowStage is one platform-localized segment of a chain.
type WorkflowStage struct {
	Platform         connector.Platform `json:"platform"`
	EventIDs         []string           `json:"event_ids"`
	StartedAt        time.Time          `json:"started_at"`
	EndedAt          time.Time          `json:"ended_at"`
	TimingRegularity string             `json:"timing_regularity"` // consistent|variable|irregular
	DataProcessing   DataProcessing     `json:"data_processing"`
}

// DataProcessing summarizes what a stage consumes and produces.
type DataProcessing struct {
	InputTypes  []string    `json:"input_types"`
	OutputTypes []string    `json:"output_types"`
	Sensitivity Sensitivity `json:"sensitivity"`
}

// DataTransformation names one transformation observed along the chain.
// AIProvider is set when the transformation routes through a known AI vendor.
type DataTransformation struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	AIProvider  string `json:"ai_provider,omitempty"`
}

// ExternalServiceAccess records one event that moved data outside the
// organization boundary.
type ExternalServiceAccess struct {
	Service  string `json:"service"`
	Endpoint string `json:"endpoint,omitempty"`
	EventID  string `json:"event_id"`
}

// SensitivityClassification flags the data categories a chain touches.
// OverallSensitivity follows the most sensitive flag set.
type SensitivityClassification struct {
	PII                bool        `json:"pii"`
	Financial          bool        `json:"financial"`
	Health             bool        `json:"health"`
	BusinessSecret     bool        `json:"business_secret"`
	OverallSensitivity Sensitivity `json:"overall_sensitivity"`
}

// DataFlowAnalysis is the cross-stage data lineage of a chain.
type DataFlowAnalysis struct {
	SourceDataTypes      []string                  `json:"source_data_types"`
	DestinationPlatforms []connector.Platform      `json:"destination_platforms"`
	Transformations      []DataTransformation      `json:"transformations,omitempty"`
	ExternalAccess       []ExternalServiceAccess   `json:"external_access,omitempty"`
	Sensitivity          SensitivityClassification `json:"sensitivity"`
}

// AutomationClassification describes how the chain is driven.
type AutomationClassification struct {
	IsAutomated    bool           `json:"is_automated"`
	AutomationType AutomationType `json:"automation_type"`
	Frequency      string         `json:"frequency"`
}

// WorkflowDetails groups the derived workflow description of a chain.
type WorkflowDetails struct {
	Description string                   `json:"description"`
	Stages      []WorkflowStage          `json:"stages"`
	DataFlow    DataFlowAnalysis         `json:"data_flow"`
	Automation  AutomationClassification `json:"automation"`
}

// DataExposure scores how a chain exposes data.
type DataExposure struct {
	Method       string `json:"method"`
	VolumeBucket string `json:"volume_bucket"`
	Score        int    `json:"score"` // 0-100
}

// FrameworkImpact maps a chain to one regulatory framework requirement.
type FrameworkImpact struct {
	Framework   string    `json:"framework"`
	Requirement string    `json:"requirement"`
	Severity    RiskLevel `json:"severity"`
	Detail      string    `json:"detail"`
}

// ComplianceImpact lists every regulatory framework a chain implicates.
type ComplianceImpact struct {
	Frameworks []FrameworkImpact `json:"frameworks,omitempty"`
}

// BusinessImpact is the qualitative business read of a chain.
type BusinessImpact struct {
	Level             RiskLevel `json:"level"`
	FinancialExposure string    `json:"financial_exposure"`
}

// Recommendation is one remediation action for a chain.
type Recommendation struct {
	Action    string         `json:"action"`
	Priority  ActionPriority `json:"priority"`
	Rationale string         `json:"rationale"`
}

// ChainRiskAssessment is the full risk read of one chain. OverallRisk is the
// maximum severity across the constituent dimensions, never an average.
type ChainRiskAssessment struct {
	DataExposure     DataExposure     `json:"data_exposure"`
	ComplianceImpact ComplianceImpact `json:"compliance_impact"`
	BusinessImpact   BusinessImpact   `json:"business_impact"`
	OverallRisk      RiskLevel        `json:"overall_risk"`
	Recommendations  []Recommendation `json:"recommendations,omitempty"`
}

// AutomationWorkflowChain is a suspected cross-platform automated workflow.
// Chains are immutable after assessment; re-analysis produces new chains
// with new ids.
type AutomationWorkflowChain struct {
	ChainID               string                      `json:"chain_id"`
	ChainName             string                      `json:"chain_name"`
	Platforms             []connector.Platform        `json:"platforms"`
	TriggerEvent          *event.MultiPlatformEvent   `json:"trigger_event"`
	ActionEvents          []*event.MultiPlatformEvent `json:"action_events"`
	CorrelationConfidence int                         `json:"correlation_confidence"`
	RiskLevel             RiskLevel                   `json:"risk_level"`
	Workflow              WorkflowDetails             `json:"workflow"`
	RiskAssessment        ChainRiskAssessment         `json:"risk_assessment"`
}
