// Package playbooks provides response playbook management for flagged
// automation chains. A playbook is the procedure a security team follows
// once a chain is confirmed: suspend the automation, assess exposure,
// notify owners, and document the outcome.
package playbooks

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/shadowscan/internal/workflow"
)

// ResponsePlaybook describes the response procedure for a class of
// unsanctioned automation.
type ResponsePlaybook struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Severity    string     `yaml:"severity" json:"severity"` // critical, high, medium, low
	Triggers    []Trigger  `yaml:"triggers" json:"triggers"`
	Steps       []Step     `yaml:"steps" json:"steps"`
	Escalation  Escalation `yaml:"escalation" json:"escalation"`
	Metadata    Metadata   `yaml:"metadata" json:"metadata"`
}

// Trigger defines which chains activate a playbook. All set conditions
// must hold; zero values mean "any".
type Trigger struct {
	MinRiskLevel     workflow.RiskLevel `yaml:"min_risk_level" json:"min_risk_level"`
	Frameworks       []string           `yaml:"frameworks" json:"frameworks,omitempty"`
	RequiresAI       bool               `yaml:"requires_ai" json:"requires_ai,omitempty"`
	RequiresExternal bool               `yaml:"requires_external" json:"requires_external,omitempty"`
}

// Step is a single stage in the response procedure.
type Step struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Type        string        `yaml:"type" json:"type"`   // manual, automated
	Owner       string        `yaml:"owner" json:"owner"` // role responsible
	Timeout     time.Duration `yaml:"-" json:"timeout"`
	Actions     []Action      `yaml:"actions" json:"actions"`
	OnSuccess   string        `yaml:"on_success" json:"on_success"`
	OnFailure   string        `yaml:"on_failure" json:"on_failure"` // step ID or "escalate"
}

// Action is a concrete operation within a step.
type Action struct {
	Type       string            `yaml:"type" json:"type"`     // suspend, revoke, notify, document, review
	Target     string            `yaml:"target" json:"target"` // what to act on
	Parameters map[string]string `yaml:"parameters" json:"parameters,omitempty"`
	Automated  bool              `yaml:"automated" json:"automated"`
}

// Escalation defines who gets pulled in when a step fails or times out.
type Escalation struct {
	TimeLimit   time.Duration `yaml:"-" json:"time_limit"`
	NotifyRoles []string      `yaml:"notify_roles" json:"notify_roles"`
	Channels    []string      `yaml:"channels" json:"channels"` // slack, email, pagerduty
}

// Metadata carries playbook authorship and review cadence.
type Metadata struct {
	Author     string    `yaml:"author" json:"author"`
	Version    string    `yaml:"version" json:"version"`
	UpdatedAt  time.Time `yaml:"updated_at" json:"updated_at"`
	Compliance []string  `yaml:"compliance" json:"compliance"`
}

// UnmarshalYAML decodes the step timeout from strings like "30m".
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	type plain Step
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	aux := struct {
		Timeout string `yaml:"timeout"`
	}{}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*s = Step(p)
	if aux.Timeout == "" {
		return nil
	}
	d, err := time.ParseDuration(aux.Timeout)
	if err != nil {
		return fmt.Errorf("step %s: invalid timeout %q", s.ID, aux.Timeout)
	}
	s.Timeout = d
	return nil
}

// UnmarshalYAML decodes the escalation time limit from strings like "1h".
func (e *Escalation) UnmarshalYAML(node *yaml.Node) error {
	type plain Escalation
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	aux := struct {
		TimeLimit string `yaml:"time_limit"`
	}{}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*e = Escalation(p)
	if aux.TimeLimit == "" {
		return nil
	}
	d, err := time.ParseDuration(aux.TimeLimit)
	if err != nil {
		return fmt.Errorf("escalation: invalid time_limit %q", aux.TimeLimit)
	}
	e.TimeLimit = d
	return nil
}

// MarshalYAML writes the step timeout back as a duration string.
func (s Step) MarshalYAML() (any, error) {
	type plain Step
	out := struct {
		plain   `yaml:",inline"`
		Timeout string `yaml:"timeout,omitempty"`
	}{plain: plain(s)}
	if s.Timeout > 0 {
		out.Timeout = s.Timeout.String()
	}
	return out, nil
}

// MarshalYAML writes the escalation time limit back as a duration string.
func (e Escalation) MarshalYAML() (any, error) {
	type plain Escalation
	out := struct {
		plain     `yaml:",inline"`
		TimeLimit string `yaml:"time_limit,omitempty"`
	}{plain: plain(e)}
	if e.TimeLimit > 0 {
		out.TimeLimit = e.TimeLimit.String()
	}
	return out, nil
}

// Manager holds the playbook library.
type Manager struct {
	playbooks map[string]*ResponsePlaybook
	logger    *zap.Logger
}

// NewManager creates a playbook manager seeded with the default library.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		playbooks: make(map[string]*ResponsePlaybook),
		logger:    logger,
	}
	m.loadDefaults()
	return m
}

// Get returns a playbook by ID.
func (m *Manager) Get(id string) (*ResponsePlaybook, bool) {
	pb, ok := m.playbooks[id]
	return pb, ok
}

// List returns all playbooks sorted by ID.
func (m *Manager) List() []*ResponsePlaybook {
	result := make([]*ResponsePlaybook, 0, len(m.playbooks))
	for _, pb := range m.playbooks {
		result = append(result, pb)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// MatchChain returns the playbooks whose triggers fire for a chain,
// sorted by ID for stable output.
func (m *Manager) MatchChain(chain *workflow.AutomationWorkflowChain) []*ResponsePlaybook {
	var matched []*ResponsePlaybook
	for _, pb := range m.playbooks {
		for _, trigger := range pb.Triggers {
			if trigger.matches(chain) {
				matched = append(matched, pb)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched
}

func (t Trigger) matches(chain *workflow.AutomationWorkflowChain) bool {
	if t.MinRiskLevel != "" && chain.RiskLevel.Rank() < t.MinRiskLevel.Rank() {
		return false
	}
	if t.RequiresAI && !chainUsesAI(chain) {
		return false
	}
	if t.RequiresExternal && !chainSharesExternally(chain) {
		return false
	}
	if len(t.Frameworks) > 0 && !touchesFramework(chain, t.Frameworks) {
		return false
	}
	return true
}

func chainUsesAI(chain *workflow.AutomationWorkflowChain) bool {
	for _, tr := range chain.Workflow.DataFlow.Transformations {
		if tr.AIProvider != "" {
			return true
		}
	}
	return false
}

func chainSharesExternally(chain *workflow.AutomationWorkflowChain) bool {
	return len(chain.Workflow.DataFlow.ExternalAccess) > 0
}

func touchesFramework(chain *workflow.AutomationWorkflowChain, frameworks []string) bool {
	for _, impact := range chain.RiskAssessment.ComplianceImpact.Frameworks {
		for _, fw := range frameworks {
			if impact.Framework == fw {
				return true
			}
		}
	}
	return false
}

// Load adds a playbook from YAML, replacing any prior one with the same ID.
func (m *Manager) Load(yamlData []byte) error {
	var pb ResponsePlaybook
	if err := yaml.Unmarshal(yamlData, &pb); err != nil {
		return fmt.Errorf("parsing playbook YAML: %w", err)
	}
	if pb.ID == "" {
		return fmt.Errorf("playbook has no id")
	}

	m.playbooks[pb.ID] = &pb
	m.logger.Info("playbook loaded",
		zap.String("id", pb.ID),
		zap.String("name", pb.Name))
	return nil
}

// Export serializes a playbook to YAML.
func (m *Manager) Export(id string) ([]byte, error) {
	pb, ok := m.playbooks[id]
	if !ok {
		return nil, fmt.Errorf("playbook not found: %s", id)
	}
	return yaml.Marshal(pb)
}

func (m *Manager) loadDefaults() {
	m.playbooks["pb-ai-dataflow-001"] = &ResponsePlaybook{
		ID:          "pb-ai-dataflow-001",
		Name:        "Unsanctioned AI Data Flow Response",
		Description: "Response procedure for automation routing company data through an external AI service",
		Severity:    "high",
		Triggers: []Trigger{
			{MinRiskLevel: workflow.RiskHigh, RequiresAI: true},
		},
		Steps: []Step{
			{
				ID:          "step-1",
				Name:        "Suspend Automation Credentials",
				Description: "Revoke or suspend the OAuth grants and tokens driving the chain",
				Type:        "automated",
				Owner:       "security_analyst",
				Timeout:     15 * time.Minute,
				Actions: []Action{
					{Type: "suspend", Target: "automation_credentials", Automated: true},
					{Type: "notify", Target: "security_team", Parameters: map[string]string{"channel": "slack"}},
				},
				OnSuccess: "step-2",
				OnFailure: "escalate",
			},
			{
				ID:          "step-2",
				Name:        "Inventory Exposed Data",
				Description: "Enumerate what data the chain moved and where it went",
				Type:        "automated",
				Owner:       "security_analyst",
				Timeout:     2 * time.Hour,
				Actions: []Action{
					{Type: "collect", Target: "chain_events", Automated: true},
					{Type: "document", Target: "data_inventory"},
				},
				OnSuccess: "step-3",
				OnFailure: "step-3",
			},
			{
				ID:          "step-3",
				Name:        "Review AI Vendor Terms",
				Description: "Determine whether the provider retains or trains on submitted data",
				Type:        "manual",
				Owner:       "privacy_officer",
				Timeout:     24 * time.Hour,
				Actions: []Action{
					{Type: "review", Target: "vendor_terms"},
					{Type: "document", Target: "retention_assessment"},
				},
				OnSuccess: "step-4",
				OnFailure: "escalate",
			},
			{
				ID:          "step-4",
				Name:        "Sanction or Remove",
				Description: "Either onboard the automation through approved channels or remove it",
				Type:        "manual",
				Owner:       "security_lead",
				Timeout:     72 * time.Hour,
				Actions: []Action{
					{Type: "review", Target: "business_justification"},
					{Type: "document", Target: "decision_record"},
				},
			},
		},
		Escalation: Escalation{
			TimeLimit:   4 * time.Hour,
			NotifyRoles: []string{"security_lead", "privacy_officer"},
			Channels:    []string{"pagerduty", "email"},
		},
		Metadata: Metadata{
			Author:     "Security Team",
			Version:    "1.0",
			Compliance: []string{"GDPR"},
		},
	}

	m.playbooks["pb-external-share-001"] = &ResponsePlaybook{
		ID:          "pb-external-share-001",
		Name:        "External Sharing Automation Response",
		Description: "Response procedure for automation that exposes internal content outside the organization",
		Severity:    "medium",
		Triggers: []Trigger{
			{MinRiskLevel: workflow.RiskMedium, RequiresExternal: true},
		},
		Steps: []Step{
			{
				ID:          "step-1",
				Name:        "Restrict Shared Resources",
				Description: "Revert external links and permissions the chain created",
				Type:        "automated",
				Owner:       "security_analyst",
				Timeout:     30 * time.Minute,
				Actions: []Action{
					{Type: "revoke", Target: "external_links", Automated: true},
					{Type: "collect", Target: "access_logs", Automated: true},
				},
				OnSuccess: "step-2",
				OnFailure: "escalate",
			},
			{
				ID:          "step-2",
				Name:        "Notify Resource Owners",
				Description: "Tell owners what was shared and confirm whether it was intended",
				Type:        "manual",
				Owner:       "security_analyst",
				Timeout:     4 * time.Hour,
				Actions: []Action{
					{Type: "notify", Target: "resource_owners"},
					{Type: "document", Target: "owner_confirmation"},
				},
				OnSuccess: "step-3",
				OnFailure: "step-3",
			},
			{
				ID:          "step-3",
				Name:        "Close Out",
				Description: "Record the outcome and tune sharing policies if needed",
				Type:        "manual",
				Owner:       "security_analyst",
				Timeout:     24 * time.Hour,
				Actions: []Action{
					{Type: "document", Target: "incident_record"},
					{Type: "review", Target: "sharing_policy"},
				},
			},
		},
		Escalation: Escalation{
			TimeLimit:   8 * time.Hour,
			NotifyRoles: []string{"security_lead"},
			Channels:    []string{"slack", "email"},
		},
		Metadata: Metadata{
			Author:  "Security Team",
			Version: "1.0",
		},
	}

	m.playbooks["pb-regulated-001"] = &ResponsePlaybook{
		ID:          "pb-regulated-001",
		Name:        "Regulated Data Automation Response",
		Description: "Response procedure when a chain touches data covered by a compliance framework",
		Severity:    "critical",
		Triggers: []Trigger{
			{Frameworks: []string{"GDPR", "HIPAA", "PCI-DSS", "SOX"}},
		},
		Steps: []Step{
			{
				ID:          "step-1",
				Name:        "Freeze the Automation",
				Description: "Stop the chain before more regulated records move",
				Type:        "automated",
				Owner:       "security_lead",
				Timeout:     15 * time.Minute,
				Actions: []Action{
					{Type: "suspend", Target: "automation_credentials", Automated: true},
					{Type: "notify", Target: "compliance_officer", Parameters: map[string]string{"channel": "pagerduty"}},
				},
				OnSuccess: "step-2",
				OnFailure: "escalate",
			},
			{
				ID:          "step-2",
				Name:        "Assess Regulatory Exposure",
				Description: "Determine which records and requirements are implicated",
				Type:        "manual",
				Owner:       "compliance_officer",
				Timeout:     24 * time.Hour,
				Actions: []Action{
					{Type: "collect", Target: "chain_events"},
					{Type: "review", Target: "framework_requirements"},
					{Type: "document", Target: "exposure_assessment"},
				},
				OnSuccess: "step-3",
				OnFailure: "escalate",
			},
			{
				ID:          "step-3",
				Name:        "Notification Decision",
				Description: "Decide with counsel whether regulatory notification is required",
				Type:        "manual",
				Owner:       "legal",
				Timeout:     72 * time.Hour,
				Actions: []Action{
					{Type: "review", Target: "notification_obligations"},
					{Type: "document", Target: "decision_record"},
				},
			},
		},
		Escalation: Escalation{
			TimeLimit:   2 * time.Hour,
			NotifyRoles: []string{"ciso", "legal", "compliance_officer"},
			Channels:    []string{"pagerduty", "phone"},
		},
		Metadata: Metadata{
			Author:     "Security Team",
			Version:    "1.0",
			Compliance: []string{"GDPR", "HIPAA", "PCI-DSS", "SOX"},
		},
	}

	m.logger.Info("default playbooks loaded", zap.Int("count", len(m.playbooks)))
}
