// Package event defines the canonical cross-platform activity event and the
// normalizer that produces it from raw platform records.
package event

import (
	"fmt"
	"time"

	"github.com/lvonguyen/shadowscan/internal/connector"
)

// MultiPlatformEvent is one normalized activity record. It is immutable once
// created and held only for the duration of an analysis window.
type MultiPlatformEvent struct {
	EventID      string             `json:"event_id"`
	Platform     connector.Platform `json:"platform"`
	Timestamp    time.Time          `json:"timestamp"`
	UserID       string             `json:"user_id"`
	UserEmail    string             `json:"user_email,omitempty"`
	EventType    string             `json:"event_type"`
	ResourceID   string             `json:"resource_id,omitempty"`
	ResourceType string             `json:"resource_type,omitempty"`

	ActionDetails       ActionDetails       `json:"action_details"`
	CorrelationMetadata CorrelationMetadata `json:"correlation_metadata"`
}

// ActionDetails describes what the event did.
type ActionDetails struct {
	Action       string            `json:"action"`
	ResourceName string            `json:"resource_name,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CorrelationMetadata carries hints the temporal correlator and detectors use.
type CorrelationMetadata struct {
	PotentialTrigger     bool     `json:"potential_trigger"`
	PotentialAction      bool     `json:"potential_action"`
	ExternalDataAccess   bool     `json:"external_data_access"`
	AutomationIndicators []string `json:"automation_indicators,omitempty"`
}

// IsAutomated reports whether any automation indicator was attached.
func (e *MultiPlatformEvent) IsAutomated() bool {
	return len(e.CorrelationMetadata.AutomationIndicators) > 0
}

// NormalizationError reports a raw record that could not be normalized.
// The caller decides whether to skip the record or abort the batch.
type NormalizationError struct {
	Platform connector.Platform
	RecordID string
	Reason   string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s record %q: %s", e.Platform, e.RecordID, e.Reason)
}
