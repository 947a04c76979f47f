// Package connector defines the platform connector contract and registry.
// Connectors are narrow adapters over each SaaS platform's activity/audit API;
// they produce raw records for the event normalizer and know nothing about
// detection or correlation.
package connector

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common errors.
var (
	ErrUnknownPlatform  = errors.New("unknown platform")
	ErrNotRegistered    = errors.New("no connector registered for platform")
	ErrAuthFailed       = errors.New("connector authentication failed")
	ErrPermissionDenied = errors.New("connector lacks required permissions")
)

// Platform identifies a connected SaaS platform.
type Platform string

const (
	PlatformSlack     Platform = "slack"
	PlatformGoogle    Platform = "google"
	PlatformMicrosoft Platform = "microsoft"
	PlatformJira      Platform = "jira"
)

// Platforms lists all supported platforms.
func Platforms() []Platform {
	return []Platform{PlatformSlack, PlatformGoogle, PlatformMicrosoft, PlatformJira}
}

// ParsePlatform validates a platform tag.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformSlack, PlatformGoogle, PlatformMicrosoft, PlatformJira:
		return Platform(s), nil
	default:
		return "", ErrUnknownPlatform
	}
}

// RawRecord is an unprocessed platform activity/audit record as fetched from
// the platform API. Field meaning is platform-specific until normalized.
type RawRecord struct {
	ID        string         `json:"id"`
	Platform  Platform       `json:"platform"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Connector is the capability interface every platform adapter implements.
// The orchestrator selects an implementation once at registration and never
// re-dispatches on platform type per call.
type Connector interface {
	// Platform returns the platform this connector serves.
	Platform() Platform
	// Authenticate verifies the supplied credentials against the platform.
	Authenticate(ctx context.Context, accessToken string) (bool, error)
	// FetchRecentActivity returns raw activity records since the given time.
	FetchRecentActivity(ctx context.Context, connectionID string, since time.Time) ([]RawRecord, error)
	// DiscoverAutomations lists installed bots, OAuth apps, and integrations.
	DiscoverAutomations(ctx context.Context, connectionID string) ([]DiscoveredAutomation, error)
	// ValidatePermissions checks that granted scopes cover the required set.
	ValidatePermissions(ctx context.Context, connectionID string, required []string) (bool, error)
}

// DiscoveredAutomation describes a bot, OAuth app, or workflow integration
// found installed on a platform.
type DiscoveredAutomation struct {
	ID          string    `json:"id"`
	Platform    Platform  `json:"platform"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"` // bot, oauth_app, workflow, script
	Scopes      []string  `json:"scopes,omitempty"`
	InstalledBy string    `json:"installed_by,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Registry holds one connector per platform. Registration is idempotent per
// platform type; the last registration wins.
type Registry struct {
	mu         sync.RWMutex
	connectors map[Platform]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[Platform]Connector)}
}

// Register installs a connector for its platform, replacing any prior one.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Platform()] = c
}

// Get returns the connector for a platform.
func (r *Registry) Get(p Platform) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[p]
	if !ok {
		return nil, ErrNotRegistered
	}
	return c, nil
}

// Registered returns the platforms that currently have a connector.
func (r *Registry) Registered() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Platform, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	return out
}
