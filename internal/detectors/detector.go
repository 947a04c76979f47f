// Package detectors implements the automation signal detectors: velocity,
// batch operations, off-hours activity, and AI-provider fingerprinting. Each
// detector is stateless over an event window; outputs are merged downstream
// as correlation evidence and no detector depends on another's result.
package detectors

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/shadowscan/internal/event"
)

// Severity grades a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Detector names.
const (
	DetectorVelocity   = "velocity"
	DetectorBatch      = "batch_operation"
	DetectorOffHours   = "off_hours"
	DetectorAIProvider = "ai_provider"
)

// Evidence names the concrete pattern that matched, for auditability.
type Evidence struct {
	Signal  string `json:"signal"`
	Pattern string `json:"pattern"`
	Value   string `json:"value"`
}

// Finding is one detector's verdict about a subject in the event window.
type Finding struct {
	Detector    string     `json:"detector"`
	Subject     string     `json:"subject"` // user id, or user|action for velocity
	Confidence  int        `json:"confidence"` // 0-100
	Severity    Severity   `json:"severity"`
	Description string     `json:"description"`
	Evidence    []Evidence `json:"evidence"`
	EventIDs    []string   `json:"event_ids"`
	// Provider is set only by the AI-provider detector.
	Provider string `json:"provider,omitempty"`
}

// Detector analyzes an event window and returns zero or more findings.
type Detector interface {
	Name() string
	Detect(ctx context.Context, events []*event.MultiPlatformEvent) ([]Finding, error)
}

// Runner executes detectors concurrently over the same window. Detector
// errors and panics are isolated: a failing detector contributes no findings
// and never prevents the others from contributing theirs.
type Runner struct {
	detectors []Detector
	logger    *zap.Logger
	observer  Observer
}

// Observer is notified after each detector finishes, whether or not it
// produced findings. Failed and panicked detectors report zero findings.
type Observer func(detector string, took time.Duration, findings int)

// NewRunner creates a runner over the given detectors.
func NewRunner(logger *zap.Logger, detectors ...Detector) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{detectors: detectors, logger: logger}
}

// SetObserver installs the per-detector completion callback. Must be called
// before Run.
func (r *Runner) SetObserver(fn Observer) {
	r.observer = fn
}

// Run executes all detectors and returns their merged findings. Run returns
// only after every detector has finished, so callers can treat it as the
// synchronization barrier before correlation. Findings are ordered by
// (detector, subject) so identical input yields identical output regardless
// of goroutine completion order.
func (r *Runner) Run(ctx context.Context, events []*event.MultiPlatformEvent) []Finding {
	var (
		mu       sync.Mutex
		findings []Finding
		wg       sync.WaitGroup
	)

	for _, d := range r.detectors {
		wg.Add(1)
		go func(d Detector) {
			defer wg.Done()
			started := time.Now()
			count := 0
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("detector panicked",
						zap.String("detector", d.Name()),
						zap.Any("panic", rec))
				}
				if r.observer != nil {
					r.observer(d.Name(), time.Since(started), count)
				}
			}()

			found, err := d.Detect(ctx, events)
			if err != nil {
				r.logger.Warn("detector failed, treating as no findings",
					zap.String("detector", d.Name()),
					zap.Error(err))
				return
			}
			count = len(found)

			mu.Lock()
			findings = append(findings, found...)
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Detector != findings[j].Detector {
			return findings[i].Detector < findings[j].Detector
		}
		return findings[i].Subject < findings[j].Subject
	})
	return findings
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func subjectKey(user, action string) string {
	return fmt.Sprintf("%s|%s", user, action)
}
