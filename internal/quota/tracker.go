// Package quota tracks per-connection API usage against platform call
// ceilings and predicts quota exhaustion from recent usage trends.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/shadowscan/internal/connector"
)

// Window is a platform quota reset window.
type Window string

const (
	WindowHour  Window = "hour"
	WindowDay   Window = "day"
	WindowMonth Window = "month"
)

// Trend classifies recent usage direction.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// Confidence qualifies a prediction; the tracker never claims certainty it
// does not have.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Status reports quota headroom for one connection and API type.
type Status struct {
	Available bool      `json:"available"`
	QuotaUsed int64     `json:"quota_used"`
	Ceiling   int64     `json:"ceiling"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Window    Window    `json:"window"`
}

// Prediction is a trend-based exhaustion forecast.
type Prediction struct {
	ConnectionID string     `json:"connection_id"`
	APIType      string     `json:"api_type"`
	Trend        Trend      `json:"trend"`
	ExhaustionAt *time.Time `json:"exhaustion_at,omitempty"`
	Confidence   Confidence `json:"confidence"`
	SampleCount  int        `json:"sample_count"`
}

// ExceededError signals that a connection's quota window is spent. Further
// calls for that connection are deferred until ResetAt; the analysis as a
// whole is not failed.
type ExceededError struct {
	ConnectionID string
	APIType      string
	ResetAt      time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for connection %q api %q, resets at %s",
		e.ConnectionID, e.APIType, e.ResetAt.Format(time.RFC3339))
}

type usageSample struct {
	at    time.Time
	count int64
}

type counter struct {
	windowStart time.Time
	count       int64
	samples     []usageSample
}

// Tracker maintains rolling usage counters. Counters are monotonic within a
// window, reset exactly at the window boundary, and are never retroactively
// corrected. All updates take the tracker lock, so concurrent API calls
// observe consistent counts.
type Tracker struct {
	mu       sync.Mutex
	counters map[string]*counter

	ceilings     map[string]int64 // "platform:api_type" -> daily ceiling
	windows      map[string]Window
	trendSamples int

	redis  *redis.Client // optional write-through for restart durability
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRedis enables write-through persistence of counters.
func WithRedis(client *redis.Client) Option {
	return func(t *Tracker) { t.redis = client }
}

// WithWindow overrides the reset window for an API type (default: day).
func WithWindow(apiType string, w Window) Option {
	return func(t *Tracker) { t.windows[apiType] = w }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker. Ceilings are keyed "platform:api_type".
func NewTracker(ceilings map[string]int64, trendSamples int, logger *zap.Logger, opts ...Option) *Tracker {
	if trendSamples < 2 {
		trendSamples = 12
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		counters:     make(map[string]*counter),
		ceilings:     ceilings,
		windows:      make(map[string]Window),
		trendSamples: trendSamples,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordUsage adds n calls to the counter for a connection and API type.
func (t *Tracker) RecordUsage(ctx context.Context, connectionID string, platform connector.Platform, apiType string, n int64) {
	if n <= 0 {
		return
	}

	t.mu.Lock()
	c := t.rolled(connectionID, apiType)
	c.count += n
	c.samples = append(c.samples, usageSample{at: t.now(), count: c.count})
	if len(c.samples) > t.trendSamples {
		c.samples = c.samples[len(c.samples)-t.trendSamples:]
	}
	count := c.count
	reset := t.windowEnd(c.windowStart, t.windowFor(apiType))
	t.mu.Unlock()

	if t.redis != nil {
		key := fmt.Sprintf("shadowscan:quota:%s:%s", connectionID, apiType)
		if err := t.redis.Set(ctx, key, count, time.Until(reset)).Err(); err != nil {
			t.logger.Warn("quota write-through failed", zap.String("connection_id", connectionID), zap.Error(err))
		}
	}
}

// CheckAvailability reports quota headroom. QuotaUsed is clamped to the
// ceiling even if more calls were recorded.
func (t *Tracker) CheckAvailability(connectionID string, platform connector.Platform, apiType string) Status {
	ceiling := t.ceilingFor(platform, apiType)
	window := t.windowFor(apiType)

	t.mu.Lock()
	c := t.rolled(connectionID, apiType)
	used := c.count
	resetAt := t.windowEnd(c.windowStart, window)
	t.mu.Unlock()

	quotaUsed := used
	if ceiling > 0 && quotaUsed > ceiling {
		quotaUsed = ceiling
	}
	remaining := ceiling - quotaUsed
	if remaining < 0 {
		remaining = 0
	}

	return Status{
		Available: ceiling == 0 || used < ceiling,
		QuotaUsed: quotaUsed,
		Ceiling:   ceiling,
		Remaining: remaining,
		ResetAt:   resetAt,
		Window:    window,
	}
}

// Reserve is CheckAvailability plus an *ExceededError when spent.
func (t *Tracker) Reserve(connectionID string, platform connector.Platform, apiType string) (Status, error) {
	st := t.CheckAvailability(connectionID, platform, apiType)
	if !st.Available {
		return st, &ExceededError{ConnectionID: connectionID, APIType: apiType, ResetAt: st.ResetAt}
	}
	return st, nil
}

// PredictExhaustion extrapolates recent usage to forecast when the ceiling
// will be hit. With few samples the confidence is low and no exhaustion time
// is claimed.
func (t *Tracker) PredictExhaustion(connectionID string, platform connector.Platform, apiType string) Prediction {
	ceiling := t.ceilingFor(platform, apiType)

	t.mu.Lock()
	c := t.rolled(connectionID, apiType)
	samples := make([]usageSample, len(c.samples))
	copy(samples, c.samples)
	used := c.count
	t.mu.Unlock()

	pred := Prediction{
		ConnectionID: connectionID,
		APIType:      apiType,
		Trend:        TrendStable,
		Confidence:   ConfidenceLow,
		SampleCount:  len(samples),
	}
	if len(samples) < 3 || ceiling <= 0 {
		return pred
	}

	// Compare the call rate across the older and newer halves of the
	// sample history to classify the trend.
	mid := len(samples) / 2
	olderRate := ratePerSecond(samples[:mid+1])
	newerRate := ratePerSecond(samples[mid:])

	switch {
	case newerRate > olderRate*1.25:
		pred.Trend = TrendIncreasing
	case newerRate < olderRate*0.75:
		pred.Trend = TrendDecreasing
	}

	switch {
	case len(samples) >= t.trendSamples:
		pred.Confidence = ConfidenceHigh
	case len(samples) >= t.trendSamples/2:
		pred.Confidence = ConfidenceMedium
	}

	if newerRate <= 0 || used >= ceiling {
		if used >= ceiling {
			now := t.now()
			pred.ExhaustionAt = &now
		}
		return pred
	}

	secondsLeft := float64(ceiling-used) / newerRate
	at := t.now().Add(time.Duration(secondsLeft * float64(time.Second)))
	pred.ExhaustionAt = &at
	return pred
}

// rolled returns the counter for a key, resetting it if its window has
// passed. Caller must hold the lock.
func (t *Tracker) rolled(connectionID, apiType string) *counter {
	key := connectionID + ":" + apiType
	window := t.windowFor(apiType)
	now := t.now()

	c, ok := t.counters[key]
	if !ok {
		c = &counter{windowStart: t.windowStart(now, window)}
		t.counters[key] = c
		return c
	}

	if !now.Before(t.windowEnd(c.windowStart, window)) {
		c.windowStart = t.windowStart(now, window)
		c.count = 0
		c.samples = nil
	}
	return c
}

func (t *Tracker) ceilingFor(platform connector.Platform, apiType string) int64 {
	return t.ceilings[string(platform)+":"+apiType]
}

func (t *Tracker) windowFor(apiType string) Window {
	if w, ok := t.windows[apiType]; ok {
		return w
	}
	return WindowDay
}

func (t *Tracker) windowStart(now time.Time, w Window) time.Time {
	now = now.UTC()
	switch w {
	case WindowHour:
		return now.Truncate(time.Hour)
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func (t *Tracker) windowEnd(start time.Time, w Window) time.Time {
	switch w {
	case WindowHour:
		return start.Add(time.Hour)
	case WindowMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

func ratePerSecond(samples []usageSample) float64 {
	if len(samples) < 2 {
		return 0
	}
	first, last := samples[0], samples[len(samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.count-first.count) / elapsed
}
