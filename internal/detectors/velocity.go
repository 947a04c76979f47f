package detectors

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/event"
)

// minVelocityEvents is the fewest identical actions a rate can be computed
// from; below this a burst is indistinguishable from a coincidence.
const minVelocityEvents = 3

// VelocityDetector flags users performing identical actions faster than the
// configured human ceiling for that action type.
type VelocityDetector struct {
	cfg config.VelocityConfig
}

// NewVelocityDetector creates a velocity detector with the given thresholds.
func NewVelocityDetector(cfg config.VelocityConfig) *VelocityDetector {
	return &VelocityDetector{cfg: cfg}
}

// Name implements Detector.
func (d *VelocityDetector) Name() string { return DetectorVelocity }

// Detect groups events by (user, action) and compares the observed rate
// against the human ceiling. A rate at or above the critical multiple of the
// ceiling always produces confidence 100; rates between the automation and
// critical multiples scale linearly.
func (d *VelocityDetector) Detect(_ context.Context, events []*event.MultiPlatformEvent) ([]Finding, error) {
	groups := make(map[string][]*event.MultiPlatformEvent)
	for _, ev := range events {
		if ev.UserID == "" || ev.ActionDetails.Action == "" {
			continue
		}
		key := subjectKey(ev.UserID, ev.ActionDetails.Action)
		groups[key] = append(groups[key], ev)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var findings []Finding
	for _, key := range keys {
		group := groups[key]
		if len(group) < minVelocityEvents {
			continue
		}
		if f, ok := d.evaluate(group); ok {
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func (d *VelocityDetector) evaluate(group []*event.MultiPlatformEvent) (Finding, bool) {
	sort.Slice(group, func(i, j int) bool {
		return group[i].Timestamp.Before(group[j].Timestamp)
	})

	span := group[len(group)-1].Timestamp.Sub(group[0].Timestamp)
	if span < time.Second {
		span = time.Second
	}
	rate := float64(len(group)) / span.Seconds()

	action := group[0].ActionDetails.Action
	ceiling := d.cfg.DefaultCeiling
	if c, ok := d.cfg.HumanCeilings[action]; ok {
		ceiling = c
	}
	if ceiling <= 0 {
		return Finding{}, false
	}

	automationRate := ceiling * d.cfg.AutomationMultiplier
	criticalRate := ceiling * d.cfg.CriticalMultiplier
	if rate < automationRate {
		return Finding{}, false
	}

	var (
		confidence int
		severity   Severity
	)
	switch {
	case rate >= criticalRate:
		confidence = 100
		severity = SeverityCritical
	default:
		frac := (rate - automationRate) / (criticalRate - automationRate)
		confidence = clampConfidence(50 + int(frac*50))
		severity = SeverityMedium
		if confidence >= 75 {
			severity = SeverityHigh
		}
	}

	ids := make([]string, len(group))
	for i, ev := range group {
		ids[i] = ev.EventID
	}

	return Finding{
		Detector:   DetectorVelocity,
		Subject:    subjectKey(group[0].UserID, action),
		Confidence: confidence,
		Severity:   severity,
		Description: fmt.Sprintf("user %s performed %d %q actions in %s (%.2f/s, human ceiling %.2f/s)",
			group[0].UserID, len(group), action, span.Round(time.Millisecond), rate, ceiling),
		Evidence: []Evidence{
			{Signal: "events_per_second", Pattern: fmt.Sprintf(">=%.2f", automationRate), Value: fmt.Sprintf("%.2f", rate)},
			{Signal: "action_type", Pattern: action, Value: fmt.Sprintf("%d events", len(group))},
		},
		EventIDs: ids,
	}, true
}
