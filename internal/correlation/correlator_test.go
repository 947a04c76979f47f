package correlation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/connector"
	"github.com/lvonguyen/shadowscan/internal/detectors"
	"github.com/lvonguyen/shadowscan/internal/event"
)

var corrBase = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func triggerEvent(id string, platform connector.Platform, ts time.Time) *event.MultiPlatformEvent {
	return &event.MultiPlatformEvent{
		EventID:      id,
		Platform:     platform,
		Timestamp:    ts,
		UserID:       "svc-sync",
		EventType:    "file_shared",
		ResourceType: "file",
		ActionDetails: event.ActionDetails{Action: "file_share", ResourceName: "q3_report.xlsx"},
		CorrelationMetadata: event.CorrelationMetadata{
			PotentialTrigger:   true,
			ExternalDataAccess: true,
		},
	}
}

func actionEvent(id string, platform connector.Platform, ts time.Time) *event.MultiPlatformEvent {
	return &event.MultiPlatformEvent{
		EventID:      id,
		Platform:     platform,
		Timestamp:    ts,
		UserID:       "svc-sync",
		EventType:    "permission_change",
		ResourceType: "drive_file",
		ActionDetails: event.ActionDetails{Action: "permission_change", ResourceName: "q3_report.xlsx"},
		CorrelationMetadata: event.CorrelationMetadata{
			PotentialAction: true,
		},
	}
}

func newTestCorrelator() *Correlator {
	return NewCorrelator(config.DefaultConfig().Correlation, nil)
}

// TestCorrelate_PairWithinWindow verifies a flagged trigger/action pair
// inside the window correlates at or above the confidence threshold.
func TestCorrelate_PairWithinWindow(t *testing.T) {
	c := newTestCorrelator()
	events := []*event.MultiPlatformEvent{
		triggerEvent("t1", connector.PlatformSlack, corrBase),
		actionEvent("a1", connector.PlatformGoogle, corrBase.Add(90*time.Second)),
	}

	correlations := c.Correlate(context.Background(), events, nil)
	require.Len(t, correlations, 1)

	corr := correlations[0]
	assert.Equal(t, "t1", corr.TriggerEvent.EventID)
	require.Len(t, corr.ActionEvents, 1)
	assert.Equal(t, "a1", corr.ActionEvents[0].EventID)
	assert.GreaterOrEqual(t, corr.Confidence, c.cfg.ConfidenceThreshold)
	assert.Equal(t, PatternSequential, corr.Pattern)
}

// TestCorrelate_WindowBoundaryExclusive verifies an action exactly one
// window after the trigger does not correlate, while one just inside does.
func TestCorrelate_WindowBoundaryExclusive(t *testing.T) {
	c := newTestCorrelator()
	window := c.cfg.Window

	tests := []struct {
		name string
		gap  time.Duration
		want int
	}{
		{name: "just inside window", gap: window - time.Second, want: 1},
		{name: "exactly at window", gap: window, want: 0},
		{name: "beyond window", gap: window + time.Minute, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := []*event.MultiPlatformEvent{
				triggerEvent("t1", connector.PlatformSlack, corrBase),
				actionEvent("a1", connector.PlatformGoogle, corrBase.Add(tt.gap)),
			}
			correlations := c.Correlate(context.Background(), events, nil)
			assert.Len(t, correlations, tt.want)
		})
	}
}

// TestCorrelate_SamePlatformSameResourceIgnored verifies that actions on the
// same platform and resource type as the trigger are not correlated.
func TestCorrelate_SamePlatformSameResourceIgnored(t *testing.T) {
	c := newTestCorrelator()
	action := actionEvent("a1", connector.PlatformSlack, corrBase.Add(time.Minute))
	action.ResourceType = "file" // same as trigger

	correlations := c.Correlate(context.Background(), []*event.MultiPlatformEvent{
		triggerEvent("t1", connector.PlatformSlack, corrBase),
		action,
	}, nil)
	assert.Empty(t, correlations)
}

// TestCorrelate_SimultaneousPattern verifies near-zero gaps classify as
// simultaneous.
func TestCorrelate_SimultaneousPattern(t *testing.T) {
	c := newTestCorrelator()
	events := []*event.MultiPlatformEvent{
		triggerEvent("t1", connector.PlatformSlack, corrBase),
		actionEvent("a1", connector.PlatformGoogle, corrBase.Add(500*time.Millisecond)),
		actionEvent("a2", connector.PlatformMicrosoft, corrBase.Add(1200*time.Millisecond)),
	}

	correlations := c.Correlate(context.Background(), events, nil)
	require.Len(t, correlations, 1)
	assert.Equal(t, PatternSimultaneous, correlations[0].Pattern)
}

// TestCorrelate_RegularIntervalPattern verifies near-constant action spacing
// classifies as regular interval and raises the automation likelihood above
// the sequential baseline.
func TestCorrelate_RegularIntervalPattern(t *testing.T) {
	c := newTestCorrelator()
	events := []*event.MultiPlatformEvent{
		triggerEvent("t1", connector.PlatformSlack, corrBase),
	}
	for i := 0; i < 4; i++ {
		events = append(events, actionEvent(fmt.Sprintf("a%d", i), connector.PlatformGoogle,
			corrBase.Add(time.Duration(i+1)*30*time.Second)))
	}

	correlations := c.Correlate(context.Background(), events, nil)
	require.Len(t, correlations, 1)

	corr := correlations[0]
	assert.Equal(t, PatternRegularInterval, corr.Pattern)
	assert.Equal(t, 30*time.Second, corr.Interval)
	assert.Greater(t, corr.AutomationLikelihood, 80)
	assert.Less(t, corr.HumanLikelihood, 50)
}

// TestCorrelate_IrregularSpacingIsSequential verifies jittered spacing does
// not classify as regular interval.
func TestCorrelate_IrregularSpacingIsSequential(t *testing.T) {
	c := newTestCorrelator()
	offsets := []time.Duration{10 * time.Second, 75 * time.Second, 95 * time.Second, 260 * time.Second}
	events := []*event.MultiPlatformEvent{triggerEvent("t1", connector.PlatformSlack, corrBase)}
	for i, off := range offsets {
		events = append(events, actionEvent(fmt.Sprintf("a%d", i), connector.PlatformGoogle, corrBase.Add(off)))
	}

	correlations := c.Correlate(context.Background(), events, nil)
	require.Len(t, correlations, 1)
	assert.Equal(t, PatternSequential, correlations[0].Pattern)
}

// TestCorrelate_TriggerTimestampOrder verifies correlations come out in
// trigger-timestamp order regardless of input order.
func TestCorrelate_TriggerTimestampOrder(t *testing.T) {
	c := newTestCorrelator()
	events := []*event.MultiPlatformEvent{
		triggerEvent("t2", connector.PlatformSlack, corrBase.Add(10*time.Minute)),
		actionEvent("a2", connector.PlatformGoogle, corrBase.Add(10*time.Minute+30*time.Second)),
		triggerEvent("t1", connector.PlatformSlack, corrBase),
		actionEvent("a1", connector.PlatformGoogle, corrBase.Add(30*time.Second)),
	}

	correlations := c.Correlate(context.Background(), events, nil)
	require.Len(t, correlations, 2)
	assert.Equal(t, "t1", correlations[0].TriggerEvent.EventID)
	assert.Equal(t, "t2", correlations[1].TriggerEvent.EventID)
}

// TestCorrelate_SupportingFindingsRaiseAutomation verifies detector findings
// for an involved user attach to the correlation and shift the likelihoods.
func TestCorrelate_SupportingFindingsRaiseAutomation(t *testing.T) {
	c := newTestCorrelator()
	events := []*event.MultiPlatformEvent{
		triggerEvent("t1", connector.PlatformSlack, corrBase),
		actionEvent("a1", connector.PlatformGoogle, corrBase.Add(time.Minute)),
	}

	bare := c.Correlate(context.Background(), events, nil)
	require.Len(t, bare, 1)

	findings := []detectors.Finding{
		{Detector: detectors.DetectorVelocity, Subject: "svc-sync|file_share", Confidence: 100},
		{Detector: detectors.DetectorAIProvider, Subject: "svc-sync", Confidence: 65, Provider: "openai"},
		{Detector: detectors.DetectorBatch, Subject: "someone-else", Confidence: 90},
	}
	with := c.Correlate(context.Background(), events, findings)
	require.Len(t, with, 1)

	assert.Len(t, with[0].SupportingFindings, 2, "unrelated user's finding must not attach")
	assert.GreaterOrEqual(t, with[0].AutomationLikelihood, bare[0].AutomationLikelihood)
	assert.Less(t, with[0].HumanLikelihood, bare[0].HumanLikelihood)
}

// TestCorrelate_UnflaggedEventsIgnored verifies events without trigger or
// action hints never correlate.
func TestCorrelate_UnflaggedEventsIgnored(t *testing.T) {
	c := newTestCorrelator()
	trigger := triggerEvent("t1", connector.PlatformSlack, corrBase)
	trigger.CorrelationMetadata.PotentialTrigger = false
	action := actionEvent("a1", connector.PlatformGoogle, corrBase.Add(time.Minute))

	correlations := c.Correlate(context.Background(), []*event.MultiPlatformEvent{trigger, action}, nil)
	assert.Empty(t, correlations)
}
