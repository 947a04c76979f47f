// Package correlation implements the temporal correlator: it scans a
// normalized event window for trigger events followed by action events on
// another platform or resource type, and scores how likely each pairing is
// one coordinated automated workflow rather than coincidence.
package correlation

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/detectors"
	"github.com/lvonguyen/shadowscan/internal/event"
)

// PatternType classifies the temporal shape of a correlated sequence.
type PatternType string

const (
	PatternSequential      PatternType = "sequential"
	PatternSimultaneous    PatternType = "simultaneous"
	PatternRegularInterval PatternType = "regular_interval"
)

// regularIntervalMinActions is the fewest actions needed before spacing can
// be called regular.
const regularIntervalMinActions = 3

// regularIntervalTolerance is the max deviation from the mean gap, as a
// fraction of the mean, for spacing to count as near-constant.
const regularIntervalTolerance = 0.2

// TemporalCorrelation is one candidate trigger-to-action relationship.
// AutomationLikelihood and HumanLikelihood are independent estimates from
// different evidence and need not sum to 100.
type TemporalCorrelation struct {
	TriggerEvent *event.MultiPlatformEvent   `json:"trigger_event"`
	ActionEvents []*event.MultiPlatformEvent `json:"action_events"`
	Pattern      PatternType                 `json:"pattern"`
	// Interval is the mean gap between consecutive actions for a
	// regular-interval pattern, zero otherwise.
	Interval             time.Duration       `json:"interval,omitempty"`
	AutomationLikelihood int                 `json:"automation_likelihood"`
	HumanLikelihood      int                 `json:"human_likelihood"`
	Confidence           int                 `json:"confidence"`
	SupportingFindings   []detectors.Finding `json:"supporting_findings,omitempty"`
}

// Correlator finds cross-platform trigger-to-action pairs in an event window.
type Correlator struct {
	cfg    config.CorrelationConfig
	logger *zap.Logger
}

// NewCorrelator creates a correlator with the given window settings.
func NewCorrelator(cfg config.CorrelationConfig, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{cfg: cfg, logger: logger}
}

// Correlate scans the window for trigger events and, for each, collects
// action events that follow strictly inside the correlation window on a
// different platform or resource type. Correlations below the confidence
// threshold are discarded. Results are ordered by trigger timestamp so
// downstream chain numbering is deterministic across runs.
func (c *Correlator) Correlate(ctx context.Context, events []*event.MultiPlatformEvent, findings []detectors.Finding) []TemporalCorrelation {
	sorted := make([]*event.MultiPlatformEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	byUser := indexFindings(findings)

	var correlations []TemporalCorrelation
	for i, trigger := range sorted {
		if ctx.Err() != nil {
			break
		}
		if !trigger.CorrelationMetadata.PotentialTrigger {
			continue
		}

		actions := c.actionsFor(trigger, sorted[i+1:])
		if len(actions) == 0 {
			continue
		}

		corr := c.score(trigger, actions, byUser)
		if corr.Confidence < c.cfg.ConfidenceThreshold {
			c.logger.Debug("correlation below threshold, discarded",
				zap.String("trigger_event", trigger.EventID),
				zap.Int("confidence", corr.Confidence))
			continue
		}
		correlations = append(correlations, corr)
	}
	return correlations
}

// actionsFor collects potential-action events that follow the trigger inside
// the window. The window boundary is exclusive: an action exactly Window
// after the trigger is out.
func (c *Correlator) actionsFor(trigger *event.MultiPlatformEvent, later []*event.MultiPlatformEvent) []*event.MultiPlatformEvent {
	var actions []*event.MultiPlatformEvent
	for _, ev := range later {
		gap := ev.Timestamp.Sub(trigger.Timestamp)
		if gap >= c.cfg.Window {
			break
		}
		if gap <= 0 {
			continue
		}
		if !ev.CorrelationMetadata.PotentialAction {
			continue
		}
		if ev.Platform == trigger.Platform && ev.ResourceType == trigger.ResourceType {
			continue
		}
		actions = append(actions, ev)
	}
	return actions
}

func (c *Correlator) score(trigger *event.MultiPlatformEvent, actions []*event.MultiPlatformEvent, byUser map[string][]detectors.Finding) TemporalCorrelation {
	pattern, interval := c.classify(trigger, actions)

	// A flagged trigger followed by a flagged cross-platform action inside
	// the window is already strong evidence; the rest are boosts.
	automation := 80
	switch pattern {
	case PatternRegularInterval:
		automation += 12
	case PatternSimultaneous:
		automation += 8
	}

	human := 55
	if trigger.IsAutomated() {
		automation += 6
		human -= 20
	}
	supporting := supportingFindings(trigger, actions, byUser)
	for _, f := range supporting {
		switch f.Detector {
		case detectors.DetectorVelocity, detectors.DetectorBatch:
			automation += 5
			human -= 15
		case detectors.DetectorAIProvider:
			automation += 5
			human -= 10
		case detectors.DetectorOffHours:
			automation += 2
			human -= 10
		}
	}
	for _, ev := range actions {
		if ev.IsAutomated() {
			automation += 3
			human -= 10
			break
		}
	}
	if trigger.CorrelationMetadata.ExternalDataAccess {
		automation += 2
	}
	switch pattern {
	case PatternRegularInterval:
		human -= 25
	case PatternSimultaneous:
		human -= 20
	}

	automation = clampScore(automation)
	human = clampScore(human)

	return TemporalCorrelation{
		TriggerEvent:         trigger,
		ActionEvents:         actions,
		Pattern:              pattern,
		Interval:             interval,
		AutomationLikelihood: automation,
		HumanLikelihood:      human,
		Confidence:           automation,
		SupportingFindings:   supporting,
	}
}

// classify determines the temporal shape of the sequence. Regular interval
// needs at least three actions with near-constant spacing; simultaneous
// means every action lands within the configured gap of the trigger.
func (c *Correlator) classify(trigger *event.MultiPlatformEvent, actions []*event.MultiPlatformEvent) (PatternType, time.Duration) {
	if len(actions) >= regularIntervalMinActions {
		if mean, ok := regularSpacing(actions); ok {
			return PatternRegularInterval, mean
		}
	}

	simultaneous := true
	for _, ev := range actions {
		if ev.Timestamp.Sub(trigger.Timestamp) > c.cfg.SimultaneousGap {
			simultaneous = false
			break
		}
	}
	if simultaneous {
		return PatternSimultaneous, 0
	}
	return PatternSequential, 0
}

// regularSpacing reports whether consecutive action gaps stay within the
// tolerance of their mean, and returns that mean.
func regularSpacing(actions []*event.MultiPlatformEvent) (time.Duration, bool) {
	gaps := make([]time.Duration, 0, len(actions)-1)
	for i := 1; i < len(actions); i++ {
		gaps = append(gaps, actions[i].Timestamp.Sub(actions[i-1].Timestamp))
	}
	var total time.Duration
	for _, g := range gaps {
		total += g
	}
	mean := total / time.Duration(len(gaps))
	if mean <= 0 {
		return 0, false
	}
	for _, g := range gaps {
		dev := g - mean
		if dev < 0 {
			dev = -dev
		}
		if float64(dev) > float64(mean)*regularIntervalTolerance {
			return 0, false
		}
	}
	return mean, true
}

// supportingFindings returns detector findings whose subject is a user
// involved in the correlation.
func supportingFindings(trigger *event.MultiPlatformEvent, actions []*event.MultiPlatformEvent, byUser map[string][]detectors.Finding) []detectors.Finding {
	users := map[string]bool{trigger.UserID: true}
	for _, ev := range actions {
		users[ev.UserID] = true
	}
	var out []detectors.Finding
	seen := make(map[string]bool)
	for user := range users {
		for _, f := range byUser[user] {
			key := f.Detector + "|" + f.Subject
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Detector != out[j].Detector {
			return out[i].Detector < out[j].Detector
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}

// indexFindings maps user ids to their findings. Velocity subjects carry a
// "user|action" key; only the user part indexes.
func indexFindings(findings []detectors.Finding) map[string][]detectors.Finding {
	byUser := make(map[string][]detectors.Finding)
	for _, f := range findings {
		user := f.Subject
		if i := strings.IndexByte(user, '|'); i >= 0 {
			user = user[:i]
		}
		if user == "" {
			continue
		}
		byUser[user] = append(byUser[user], f)
	}
	return byUser
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
