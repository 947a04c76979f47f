package connector

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReplayConnector serves pre-loaded records for a platform. It is the
// data-source strategy used in tests and staging environments: the pipeline
// sees the same contract as a live connector, so nothing downstream branches
// on mock vs real data.
type ReplayConnector struct {
	platform    Platform
	mu          sync.RWMutex
	records     []RawRecord
	automations []DiscoveredAutomation
	authOK      bool
}

// NewReplayConnector creates a replay connector for a platform.
func NewReplayConnector(platform Platform) *ReplayConnector {
	return &ReplayConnector{platform: platform, authOK: true}
}

// Load appends records to the replay buffer.
func (c *ReplayConnector) Load(records ...RawRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, records...)
	sort.Slice(c.records, func(i, j int) bool {
		return c.records[i].Timestamp.Before(c.records[j].Timestamp)
	})
}

// LoadAutomations sets the discovered-automation inventory.
func (c *ReplayConnector) LoadAutomations(autos ...DiscoveredAutomation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.automations = append(c.automations, autos...)
}

// SetAuthResult controls what Authenticate reports.
func (c *ReplayConnector) SetAuthResult(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authOK = ok
}

// Platform returns the platform this connector serves.
func (c *ReplayConnector) Platform() Platform { return c.platform }

// Authenticate reports the configured auth result.
func (c *ReplayConnector) Authenticate(ctx context.Context, accessToken string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.authOK {
		return false, ErrAuthFailed
	}
	return true, nil
}

// FetchRecentActivity returns loaded records newer than since.
func (c *ReplayConnector) FetchRecentActivity(ctx context.Context, connectionID string, since time.Time) ([]RawRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []RawRecord
	for _, r := range c.records {
		if r.Timestamp.After(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// DiscoverAutomations returns the loaded automation inventory.
func (c *ReplayConnector) DiscoverAutomations(ctx context.Context, connectionID string) ([]DiscoveredAutomation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DiscoveredAutomation, len(c.automations))
	copy(out, c.automations)
	return out, nil
}

// ValidatePermissions always succeeds for replay data.
func (c *ReplayConnector) ValidatePermissions(ctx context.Context, connectionID string, required []string) (bool, error) {
	return true, nil
}
