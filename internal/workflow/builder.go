package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/shadowscan/internal/connector"
	"github.com/lvonguyen/shadowscan/internal/correlation"
	"github.com/lvonguyen/shadowscan/internal/detectors"
	"github.com/lvonguyen/shadowscan/internal/event"
)

// Keyword tables for sensitivity classification. Matched case-insensitively
// against resource names and free-text metadata.
var (
	piiKeywords       = []string{"employee", "customer", "personal", "contact", "ssn", "passport", "hr_", "personnel"}
	financialKeywords = []string{"invoice", "payroll", "budget", "revenue", "financial", "earnings", "ledger"}
	healthKeywords    = []string{"medical", "patient", "health", "diagnosis", "phi", "clinical"}
	secretKeywords    = []string{"confidential", "secret", "roadmap", "strategy", "internal_only", "proprietary"}
	paymentKeywords   = []string{"card", "payment", "cardholder", "pan_", "cvv"}
)

// Builder constructs one AutomationWorkflowChain per accepted correlation.
type Builder struct{}

// NewBuilder creates a chain builder.
func NewBuilder() *Builder { return &Builder{} }

// Build derives a chain from one correlation: names it, splits it into
// per-platform stages, analyzes the data flow, and classifies how it is
// driven. Risk fields are left for the assessor.
func (b *Builder) Build(corr correlation.TemporalCorrelation) *AutomationWorkflowChain {
	all := append([]*event.MultiPlatformEvent{corr.TriggerEvent}, corr.ActionEvents...)
	platforms := distinctPlatforms(all)
	stages := buildStages(all)
	dataFlow := analyzeDataFlow(corr, stages)
	automation := classifyAutomation(corr)

	return &AutomationWorkflowChain{
		ChainID:               uuid.NewString(),
		ChainName:             chainName(corr, platforms),
		Platforms:             platforms,
		TriggerEvent:          corr.TriggerEvent,
		ActionEvents:          corr.ActionEvents,
		CorrelationConfidence: corr.Confidence,
		Workflow: WorkflowDetails{
			Description: describeWorkflow(corr, platforms),
			Stages:      stages,
			DataFlow:    dataFlow,
			Automation:  automation,
		},
	}
}

// chainName follows a platform-pair plus resource type heuristic, e.g.
// "slack→google file automation".
func chainName(corr correlation.TemporalCorrelation, platforms []connector.Platform) string {
	resource := corr.TriggerEvent.ResourceType
	if resource == "" {
		resource = "resource"
	}
	if len(platforms) == 1 {
		return fmt.Sprintf("%s %s automation", platforms[0], resource)
	}
	downstream := make([]string, 0, len(platforms)-1)
	for _, p := range platforms {
		if p != corr.TriggerEvent.Platform {
			downstream = append(downstream, string(p))
		}
	}
	return fmt.Sprintf("%s→%s %s automation", corr.TriggerEvent.Platform, strings.Join(downstream, "+"), resource)
}

func describeWorkflow(corr correlation.TemporalCorrelation, platforms []connector.Platform) string {
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}
	return fmt.Sprintf("%s %q on %s followed by %d action(s) across %s within the correlation window",
		corr.TriggerEvent.EventType, corr.TriggerEvent.ActionDetails.ResourceName,
		corr.TriggerEvent.Platform, len(corr.ActionEvents), strings.Join(names, ", "))
}

func distinctPlatforms(events []*event.MultiPlatformEvent) []connector.Platform {
	var platforms []connector.Platform
	seen := make(map[connector.Platform]bool)
	for _, ev := range events {
		if !seen[ev.Platform] {
			seen[ev.Platform] = true
			platforms = append(platforms, ev.Platform)
		}
	}
	return platforms
}

// buildStages groups the chain's events per platform, in order of first
// appearance, and classifies each stage's timing regularity.
func buildStages(events []*event.MultiPlatformEvent) []WorkflowStage {
	grouped := make(map[connector.Platform][]*event.MultiPlatformEvent)
	var order []connector.Platform
	for _, ev := range events {
		if _, ok := grouped[ev.Platform]; !ok {
			order = append(order, ev.Platform)
		}
		grouped[ev.Platform] = append(grouped[ev.Platform], ev)
	}

	stages := make([]WorkflowStage, 0, len(order))
	for _, platform := range order {
		group := grouped[platform]
		sort.Slice(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
		ids := make([]string, len(group))
		for i, ev := range group {
			ids[i] = ev.EventID
		}
		stages = append(stages, WorkflowStage{
			Platform:         platform,
			EventIDs:         ids,
			StartedAt:        group[0].Timestamp,
			EndedAt:          group[len(group)-1].Timestamp,
			TimingRegularity: timingRegularity(group),
			DataProcessing: DataProcessing{
				InputTypes:  distinctResourceTypes(group),
				OutputTypes: distinctResourceTypes(group),
				Sensitivity: classifySensitivity(group).OverallSensitivity,
			},
		})
	}
	return stages
}

// timingRegularity classifies stage event spacing. Fewer than three events
// give no repetition to judge, so the stage is called variable.
func timingRegularity(group []*event.MultiPlatformEvent) string {
	if len(group) < 3 {
		return "variable"
	}
	gaps := make([]time.Duration, 0, len(group)-1)
	var total time.Duration
	for i := 1; i < len(group); i++ {
		g := group[i].Timestamp.Sub(group[i-1].Timestamp)
		gaps = append(gaps, g)
		total += g
	}
	mean := total / time.Duration(len(gaps))
	if mean <= 0 {
		return "consistent" // all simultaneous
	}
	var maxDev time.Duration
	for _, g := range gaps {
		dev := g - mean
		if dev < 0 {
			dev = -dev
		}
		if dev > maxDev {
			maxDev = dev
		}
	}
	ratio := float64(maxDev) / float64(mean)
	switch {
	case ratio <= 0.2:
		return "consistent"
	case ratio <= 0.6:
		return "variable"
	default:
		return "irregular"
	}
}

func distinctResourceTypes(events []*event.MultiPlatformEvent) []string {
	var types []string
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.ResourceType == "" || seen[ev.ResourceType] {
			continue
		}
		seen[ev.ResourceType] = true
		types = append(types, ev.ResourceType)
	}
	return types
}

func analyzeDataFlow(corr correlation.TemporalCorrelation, stages []WorkflowStage) DataFlowAnalysis {
	all := append([]*event.MultiPlatformEvent{corr.TriggerEvent}, corr.ActionEvents...)

	var destinations []connector.Platform
	for _, ev := range corr.ActionEvents {
		if ev.Platform != corr.TriggerEvent.Platform && !containsPlatform(destinations, ev.Platform) {
			destinations = append(destinations, ev.Platform)
		}
	}

	var transformations []DataTransformation
	if len(destinations) > 0 {
		transformations = append(transformations, DataTransformation{
			Type:        "cross_platform_transfer",
			Description: fmt.Sprintf("data moves from %s to %d other platform(s)", corr.TriggerEvent.Platform, len(destinations)),
		})
	}
	for _, f := range corr.SupportingFindings {
		if f.Detector == detectors.DetectorAIProvider && f.Provider != "" {
			transformations = append(transformations, DataTransformation{
				Type:        "ai_processing",
				Description: fmt.Sprintf("traffic fingerprint matches AI provider %q", f.Provider),
				AIProvider:  f.Provider,
			})
			break
		}
	}

	var external []ExternalServiceAccess
	for _, ev := range all {
		if !ev.CorrelationMetadata.ExternalDataAccess {
			continue
		}
		external = append(external, ExternalServiceAccess{
			Service:  string(ev.Platform),
			Endpoint: ev.ActionDetails.Metadata["api_endpoint"],
			EventID:  ev.EventID,
		})
	}

	return DataFlowAnalysis{
		SourceDataTypes:      stages[0].DataProcessing.InputTypes,
		DestinationPlatforms: destinations,
		Transformations:      transformations,
		ExternalAccess:       external,
		Sensitivity:          classifySensitivity(all),
	}
}

// classifySensitivity scans resource names and free-text metadata for data
// category indicators. Most sensitive flag wins; organization SaaS activity
// with no indicators defaults to internal, never public.
func classifySensitivity(events []*event.MultiPlatformEvent) SensitivityClassification {
	var cls SensitivityClassification
	for _, ev := range events {
		text := strings.ToLower(ev.ActionDetails.ResourceName)
		for _, key := range []string{"text", "content", "description"} {
			if v, ok := ev.ActionDetails.Metadata[key]; ok {
				text += " " + strings.ToLower(v)
			}
		}
		cls.PII = cls.PII || matchesAny(text, piiKeywords)
		cls.Financial = cls.Financial || matchesAny(text, financialKeywords) || matchesAny(text, paymentKeywords)
		cls.Health = cls.Health || matchesAny(text, healthKeywords)
		cls.BusinessSecret = cls.BusinessSecret || matchesAny(text, secretKeywords)
	}
	switch {
	case cls.Health:
		cls.OverallSensitivity = SensitivityRestricted
	case cls.PII || cls.Financial || cls.BusinessSecret:
		cls.OverallSensitivity = SensitivityConfidential
	default:
		cls.OverallSensitivity = SensitivityInternal
	}
	return cls
}

// TouchesPaymentData reports whether any chain event references payment card
// data. The assessor uses it for PCI mapping.
func TouchesPaymentData(chain *AutomationWorkflowChain) bool {
	all := append([]*event.MultiPlatformEvent{chain.TriggerEvent}, chain.ActionEvents...)
	for _, ev := range all {
		text := strings.ToLower(ev.ActionDetails.ResourceName)
		if v, ok := ev.ActionDetails.Metadata["text"]; ok {
			text += " " + strings.ToLower(v)
		}
		if matchesAny(text, paymentKeywords) {
			return true
		}
	}
	return false
}

func matchesAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func containsPlatform(list []connector.Platform, p connector.Platform) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}

// classifyAutomation maps detector evidence and the temporal pattern onto an
// automation type: regular spacing means time based; velocity or batch
// evidence means event driven; an AI fingerprint alone still forces at least
// event driven; anything else defers to human triggered.
func classifyAutomation(corr correlation.TemporalCorrelation) AutomationClassification {
	var hasBurst, hasAI bool
	for _, f := range corr.SupportingFindings {
		switch f.Detector {
		case detectors.DetectorVelocity, detectors.DetectorBatch:
			hasBurst = true
		case detectors.DetectorAIProvider:
			hasAI = true
		}
	}

	autoType := AutomationHumanTriggered
	frequency := "one_time"
	switch {
	case corr.Pattern == correlation.PatternRegularInterval:
		autoType = AutomationTimeBased
		frequency = fmt.Sprintf("every %s", corr.Interval.Round(time.Second))
	case hasBurst:
		autoType = AutomationEventDriven
	case hasAI:
		autoType = AutomationEventDriven
	}

	return AutomationClassification{
		IsAutomated:    autoType != AutomationHumanTriggered || corr.AutomationLikelihood > corr.HumanLikelihood,
		AutomationType: autoType,
		Frequency:      frequency,
	}
}
