package detectors

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/event"
)

// BatchDetector flags groups of near-identical operations executed inside a
// short window: the signature of a script iterating over a list rather than
// a person working through one.
type BatchDetector struct {
	cfg config.BatchConfig
}

// NewBatchDetector creates a batch-operation detector.
func NewBatchDetector(cfg config.BatchConfig) *BatchDetector {
	return &BatchDetector{cfg: cfg}
}

// Name implements Detector.
func (d *BatchDetector) Name() string { return DetectorBatch }

// Detect groups events by (user, action, resource type) and scans each group
// for runs of at least MinGroupSize events inside the window whose combined
// similarity meets the threshold.
func (d *BatchDetector) Detect(_ context.Context, events []*event.MultiPlatformEvent) ([]Finding, error) {
	groups := make(map[string][]*event.MultiPlatformEvent)
	for _, ev := range events {
		if ev.UserID == "" || ev.ActionDetails.Action == "" {
			continue
		}
		key := fmt.Sprintf("%s|%s|%s", ev.UserID, ev.ActionDetails.Action, ev.ResourceType)
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
		if len(group) < d.cfg.MinGroupSize {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
		findings = append(findings, d.scanRuns(group)...)
	}
	return findings, nil
}

// scanRuns slides over a time-ordered group and emits a finding for each
// maximal run that fits inside the window. Runs never overlap: after a run
// is emitted the scan resumes past its last event.
func (d *BatchDetector) scanRuns(group []*event.MultiPlatformEvent) []Finding {
	var findings []Finding
	i := 0
	for i < len(group) {
		j := i
		for j+1 < len(group) && group[j+1].Timestamp.Sub(group[i].Timestamp) <= d.cfg.Window {
			j++
		}
		run := group[i : j+1]
		if len(run) >= d.cfg.MinGroupSize {
			if f, ok := d.evaluateRun(run); ok {
				findings = append(findings, f)
				i = j + 1
				continue
			}
		}
		i++
	}
	return findings
}

func (d *BatchDetector) evaluateRun(run []*event.MultiPlatformEvent) (Finding, bool) {
	pattern, patternFrac := dominantNamePattern(run)
	permFrac := dominantMetadataFraction(run, "visibility", "permission")
	similarity := 0.5*patternFrac + 0.3*permFrac + 0.2 // action+resource identical by grouping
	if similarity > 1 {
		similarity = 1
	}
	if similarity < d.cfg.SimilarityThreshold {
		return Finding{}, false
	}

	severity := SeverityMedium
	if len(run) >= d.cfg.MinGroupSize*4 {
		severity = SeverityHigh
	}

	span := run[len(run)-1].Timestamp.Sub(run[0].Timestamp)
	ids := make([]string, len(run))
	for i, ev := range run {
		ids[i] = ev.EventID
	}

	return Finding{
		Detector:   DetectorBatch,
		Subject:    run[0].UserID,
		Confidence: clampConfidence(int(similarity * 100)),
		Severity:   severity,
		Description: fmt.Sprintf("user %s executed %d near-identical %q operations in %s",
			run[0].UserID, len(run), run[0].ActionDetails.Action, span),
		Evidence: []Evidence{
			{Signal: "group_size", Pattern: fmt.Sprintf(">=%d", d.cfg.MinGroupSize), Value: fmt.Sprintf("%d", len(run))},
			{Signal: "name_pattern", Pattern: pattern, Value: fmt.Sprintf("%.0f%% of group", patternFrac*100)},
		},
		EventIDs: ids,
	}, true
}

// dominantNamePattern templates resource names by collapsing digit runs
// ("report_0187" becomes "report_#") and returns the most common template
// with the fraction of the run it covers.
func dominantNamePattern(run []*event.MultiPlatformEvent) (string, float64) {
	counts := make(map[string]int)
	for _, ev := range run {
		counts[nameTemplate(ev.ActionDetails.ResourceName)]++
	}
	best, bestN := "", 0
	for p, n := range counts {
		if n > bestN || (n == bestN && p < best) {
			best, bestN = p, n
		}
	}
	return best, float64(bestN) / float64(len(run))
}

func nameTemplate(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	inDigits := false
	for _, r := range strings.ToLower(name) {
		if r >= '0' && r <= '9' {
			if !inDigits {
				b.WriteByte('#')
				inDigits = true
			}
			continue
		}
		inDigits = false
		b.WriteRune(r)
	}
	return b.String()
}

// dominantMetadataFraction returns how much of the run shares the most common
// value of the first metadata key present. A run with none of the keys set is
// treated as uniform.
func dominantMetadataFraction(run []*event.MultiPlatformEvent, keys ...string) float64 {
	counts := make(map[string]int)
	for _, ev := range run {
		val := ""
		for _, k := range keys {
			if v, ok := ev.ActionDetails.Metadata[k]; ok {
				val = k + "=" + v
				break
			}
		}
		counts[val]++
	}
	bestN := 0
	for _, n := range counts {
		if n > bestN {
			bestN = n
		}
	}
	return float64(bestN) / float64(len(run))
}
