package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/shadowscan/internal/connector"
)

func testCeilings() map[string]int64 {
	return map[string]int64{
		"slack:audit_logs":     1000,
		"google:admin_reports": 100,
	}
}

// TestTracker_RecordExactCount verifies recording K calls increases the
// counter by exactly K.
func TestTracker_RecordExactCount(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(testCeilings(), 12, zap.NewNop())

	for i := 0; i < 7; i++ {
		tr.RecordUsage(ctx, "conn-1", connector.PlatformSlack, "audit_logs", 1)
	}
	tr.RecordUsage(ctx, "conn-1", connector.PlatformSlack, "audit_logs", 3)

	st := tr.CheckAvailability("conn-1", connector.PlatformSlack, "audit_logs")
	assert.Equal(t, int64(10), st.QuotaUsed)
	assert.Equal(t, int64(990), st.Remaining)
	assert.True(t, st.Available)
}

// TestTracker_QuotaUsedNeverExceedsCeiling verifies the reported usage is
// clamped at the configured ceiling.
func TestTracker_QuotaUsedNeverExceedsCeiling(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(testCeilings(), 12, zap.NewNop())

	tr.RecordUsage(ctx, "conn-1", connector.PlatformGoogle, "admin_reports", 250)

	st := tr.CheckAvailability("conn-1", connector.PlatformGoogle, "admin_reports")
	assert.Equal(t, int64(100), st.QuotaUsed)
	assert.Equal(t, int64(0), st.Remaining)
	assert.False(t, st.Available)
}

// TestTracker_ReserveExceeded verifies an *ExceededError once the window is
// spent, carrying the reset time.
func TestTracker_ReserveExceeded(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(testCeilings(), 12, zap.NewNop())

	tr.RecordUsage(ctx, "conn-1", connector.PlatformGoogle, "admin_reports", 100)

	_, err := tr.Reserve("conn-1", connector.PlatformGoogle, "admin_reports")
	require.Error(t, err)

	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "conn-1", exceeded.ConnectionID)
	assert.False(t, exceeded.ResetAt.IsZero())
}

// TestTracker_WindowReset verifies counters reset exactly at the window
// boundary and not before.
func TestTracker_WindowReset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := NewTracker(testCeilings(), 12, zap.NewNop(), WithClock(clock))

	tr.RecordUsage(ctx, "conn-1", connector.PlatformSlack, "audit_logs", 5)

	// One second before midnight: still the same window.
	now = time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)
	st := tr.CheckAvailability("conn-1", connector.PlatformSlack, "audit_logs")
	assert.Equal(t, int64(5), st.QuotaUsed)

	// At midnight the daily window rolls and the counter resets.
	now = time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	st = tr.CheckAvailability("conn-1", connector.PlatformSlack, "audit_logs")
	assert.Equal(t, int64(0), st.QuotaUsed)
}

// TestTracker_HourWindow verifies per-API window overrides.
func TestTracker_HourWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := NewTracker(testCeilings(), 12, zap.NewNop(),
		WithClock(clock), WithWindow("audit_logs", WindowHour))

	tr.RecordUsage(ctx, "conn-1", connector.PlatformSlack, "audit_logs", 5)

	st := tr.CheckAvailability("conn-1", connector.PlatformSlack, "audit_logs")
	assert.Equal(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), st.ResetAt)

	now = now.Add(time.Hour)
	st = tr.CheckAvailability("conn-1", connector.PlatformSlack, "audit_logs")
	assert.Equal(t, int64(0), st.QuotaUsed)
}

// TestTracker_PredictExhaustion verifies trend classification and that the
// forecast carries a confidence qualifier rather than false certainty.
func TestTracker_PredictExhaustion(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := NewTracker(testCeilings(), 6, zap.NewNop(), WithClock(clock))

	// Sparse data: no exhaustion claim, low confidence.
	tr.RecordUsage(ctx, "conn-1", connector.PlatformSlack, "audit_logs", 1)
	pred := tr.PredictExhaustion("conn-1", connector.PlatformSlack, "audit_logs")
	assert.Equal(t, ConfidenceLow, pred.Confidence)
	assert.Nil(t, pred.ExhaustionAt)

	// Accelerating usage: increasing trend with an exhaustion estimate.
	for i := 0; i < 6; i++ {
		now = now.Add(time.Minute)
		tr.RecordUsage(ctx, "conn-1", connector.PlatformSlack, "audit_logs", int64(10*(i+1)))
	}
	pred = tr.PredictExhaustion("conn-1", connector.PlatformSlack, "audit_logs")
	assert.Equal(t, TrendIncreasing, pred.Trend)
	assert.Equal(t, ConfidenceHigh, pred.Confidence)
	require.NotNil(t, pred.ExhaustionAt)
	assert.True(t, pred.ExhaustionAt.After(now))
}

// TestTracker_ConcurrentRecords verifies counters stay exact under
// concurrent updates.
func TestTracker_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(testCeilings(), 12, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tr.RecordUsage(ctx, "conn-1", connector.PlatformSlack, "audit_logs", 1)
			}
		}()
	}
	wg.Wait()

	st := tr.CheckAvailability("conn-1", connector.PlatformSlack, "audit_logs")
	assert.Equal(t, int64(500), st.QuotaUsed)
}

// TestTracker_UnknownCeiling verifies API types without a configured ceiling
// are always available.
func TestTracker_UnknownCeiling(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(testCeilings(), 12, zap.NewNop())

	tr.RecordUsage(ctx, "conn-1", connector.PlatformJira, "audit", 99999)
	st := tr.CheckAvailability("conn-1", connector.PlatformJira, "audit")
	assert.True(t, st.Available)
	assert.Equal(t, int64(0), st.Ceiling)
}
