package detectors

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lvonguyen/shadowscan/internal/config"
	"github.com/lvonguyen/shadowscan/internal/event"
)

// OffHoursDetector flags users whose activity concentrates outside business
// hours. It is a weak signal on its own and is weighted accordingly: findings
// never exceed high severity.
type OffHoursDetector struct {
	cfg  config.OffHoursConfig
	loc  *time.Location
	days map[time.Weekday]bool
}

// NewOffHoursDetector creates an off-hours detector. An unknown timezone
// falls back to UTC rather than failing; detection degrades, the pipeline
// does not.
func NewOffHoursDetector(cfg config.OffHoursConfig) *OffHoursDetector {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	days := make(map[time.Weekday]bool)
	for _, name := range cfg.WorkingDays {
		for wd := time.Sunday; wd <= time.Saturday; wd++ {
			if wd.String() == name {
				days[wd] = true
			}
		}
	}
	return &OffHoursDetector{cfg: cfg, loc: loc, days: days}
}

// Name implements Detector.
func (d *OffHoursDetector) Name() string { return DetectorOffHours }

// Detect computes, per user, the fraction of events falling outside business
// hours. Users with fewer than MinEvents are skipped; sparse activity at odd
// hours is normal human behavior.
func (d *OffHoursDetector) Detect(_ context.Context, events []*event.MultiPlatformEvent) ([]Finding, error) {
	type tally struct {
		total, off int
		ids        []string
	}
	byUser := make(map[string]*tally)
	for _, ev := range events {
		if ev.UserID == "" {
			continue
		}
		t := byUser[ev.UserID]
		if t == nil {
			t = &tally{}
			byUser[ev.UserID] = t
		}
		t.total++
		if d.offHours(ev.Timestamp) {
			t.off++
			t.ids = append(t.ids, ev.EventID)
		}
	}

	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	var findings []Finding
	for _, user := range users {
		t := byUser[user]
		if t.total < d.cfg.MinEvents {
			continue
		}
		frac := float64(t.off) / float64(t.total)
		if frac < d.cfg.SuspiciousFraction {
			continue
		}

		severity := SeverityMedium
		if frac >= d.cfg.CriticalFraction {
			severity = SeverityHigh
		}

		findings = append(findings, Finding{
			Detector:   DetectorOffHours,
			Subject:    user,
			Confidence: clampConfidence(int(frac * 100)),
			Severity:   severity,
			Description: fmt.Sprintf("user %s: %d of %d events (%.0f%%) outside business hours",
				user, t.off, t.total, frac*100),
			Evidence: []Evidence{
				{
					Signal:  "off_hours_fraction",
					Pattern: fmt.Sprintf(">=%.2f", d.cfg.SuspiciousFraction),
					Value:   fmt.Sprintf("%.2f", frac),
				},
			},
			EventIDs: t.ids,
		})
	}
	return findings, nil
}

func (d *OffHoursDetector) offHours(ts time.Time) bool {
	local := ts.In(d.loc)
	if !d.days[local.Weekday()] {
		return true
	}
	h := local.Hour()
	return h < d.cfg.StartHour || h >= d.cfg.EndHour
}
