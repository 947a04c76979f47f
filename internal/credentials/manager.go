// Package credentials owns the OAuth credential lifecycle: encrypted storage,
// retrieval, proactive refresh, and revocation. No other component may read
// plaintext token values; callers get decrypted credentials from the manager
// or a boolean validity check, nothing else.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lvonguyen/shadowscan/internal/connector"
)

// expirySkew treats soon-to-expire tokens as invalid so a refresh happens
// before the platform starts rejecting calls.
const expirySkew = 2 * time.Minute

// OAuthCredentials is a decrypted credential set. It must never be persisted
// or logged in plaintext.
type OAuthCredentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CredentialError reports a failed credential operation for one connection.
// It halts that connection's polling but never other connections'.
type CredentialError struct {
	ConnectionID string
	Op           string
	Err          error
	// ReauthorizationRequired means only the user can fix this connection.
	ReauthorizationRequired bool
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials %s for connection %q: %v", e.Op, e.ConnectionID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TokenRefresher performs the single remote token refresh call for a
// connection. Retries with backoff are the caller's concern, not the
// manager's.
type TokenRefresher func(ctx context.Context, info StoredConnectionInfo, current OAuthCredentials) (*OAuthCredentials, error)

// Manager encrypts, stores, and refreshes per-connection OAuth credentials.
type Manager struct {
	store     Store
	refresher TokenRefresher
	key       []byte
	keyID     string
	logger    *zap.Logger

	// refreshGroup makes concurrent refreshes for one connection collapse
	// into a single remote call whose result all callers share.
	refreshGroup singleflight.Group
}

// NewManager creates a credential manager. The key must be 32 bytes.
func NewManager(key []byte, keyID string, store Store, refresher TokenRefresher, logger *zap.Logger) (*Manager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		refresher: refresher,
		key:       key,
		keyID:     keyID,
		logger:    logger,
	}, nil
}

// StoreCredentials encrypts and saves a credential set, overwriting any
// prior set for that connection.
func (m *Manager) StoreCredentials(ctx context.Context, info StoredConnectionInfo, creds OAuthCredentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return &CredentialError{ConnectionID: info.ConnectionID, Op: "store", Err: err}
	}

	env, err := encrypt(plaintext, m.key, m.keyID)
	if err != nil {
		return &CredentialError{ConnectionID: info.ConnectionID, Op: "store", Err: err}
	}

	info.TokenStatus = StatusActive
	info.ExpiresAt = creds.ExpiresAt
	info.Scopes = creds.Scopes
	info.UpdatedAt = time.Now().UTC()

	if err := m.store.Save(ctx, Record{Info: info, Envelope: env}); err != nil {
		return &CredentialError{ConnectionID: info.ConnectionID, Op: "store", Err: err}
	}

	m.logger.Info("credentials stored",
		zap.String("connection_id", info.ConnectionID),
		zap.String("platform", string(info.Platform)),
		zap.String("access_token", Redact(creds.AccessToken)),
		zap.Time("expires_at", creds.ExpiresAt))
	return nil
}

// RetrieveCredentials decrypts and returns the credential set for a
// connection, or ErrNotFound.
func (m *Manager) RetrieveCredentials(ctx context.Context, connectionID string) (*OAuthCredentials, error) {
	rec, err := m.store.Load(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	plaintext, err := decrypt(rec.Envelope, m.key)
	if err != nil {
		return nil, &CredentialError{ConnectionID: connectionID, Op: "retrieve", Err: err}
	}

	var creds OAuthCredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, &CredentialError{ConnectionID: connectionID, Op: "retrieve", Err: err}
	}
	return &creds, nil
}

// RefreshCredentials refreshes a connection's tokens. Concurrent callers for
// the same connection wait for and share one refresh result. On failure the
// connection is marked with TokenStatus error and the caller must surface a
// reauthorization requirement; the connection is never silently dropped.
func (m *Manager) RefreshCredentials(ctx context.Context, connectionID string) (*OAuthCredentials, error) {
	v, err, _ := m.refreshGroup.Do(connectionID, func() (any, error) {
		return m.refreshOnce(ctx, connectionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*OAuthCredentials), nil
}

func (m *Manager) refreshOnce(ctx context.Context, connectionID string) (*OAuthCredentials, error) {
	rec, err := m.store.Load(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	if m.refresher == nil {
		return nil, &CredentialError{ConnectionID: connectionID, Op: "refresh",
			Err: fmt.Errorf("no token refresher configured"), ReauthorizationRequired: true}
	}

	current, err := m.RetrieveCredentials(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	fresh, err := m.refresher(ctx, rec.Info, *current)
	if err != nil {
		m.markStatus(ctx, rec, StatusError)
		m.logger.Warn("credential refresh failed",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		return nil, &CredentialError{ConnectionID: connectionID, Op: "refresh", Err: err, ReauthorizationRequired: true}
	}

	if err := m.StoreCredentials(ctx, rec.Info, *fresh); err != nil {
		return nil, err
	}

	m.logger.Info("credentials refreshed",
		zap.String("connection_id", connectionID),
		zap.String("access_token", Redact(fresh.AccessToken)))
	return fresh, nil
}

// IsCredentialsValid is a cheap local expiry check; it never calls the
// remote API.
func (m *Manager) IsCredentialsValid(ctx context.Context, connectionID string) bool {
	rec, err := m.store.Load(ctx, connectionID)
	if err != nil {
		return false
	}
	if rec.Info.TokenStatus != StatusActive {
		return false
	}
	if rec.Info.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(expirySkew).Before(rec.Info.ExpiresAt)
}

// RevokeCredentials marks a connection revoked and removes its envelope.
func (m *Manager) RevokeCredentials(ctx context.Context, connectionID string) error {
	rec, err := m.store.Load(ctx, connectionID)
	if err != nil {
		return err
	}
	rec.Info.TokenStatus = StatusRevoked
	rec.Info.UpdatedAt = time.Now().UTC()
	rec.Envelope = Envelope{}
	if err := m.store.Save(ctx, rec); err != nil {
		return &CredentialError{ConnectionID: connectionID, Op: "revoke", Err: err}
	}
	m.logger.Info("credentials revoked", zap.String("connection_id", connectionID))
	return nil
}

// ConnectionInfo returns the non-secret view of a connection.
func (m *Manager) ConnectionInfo(ctx context.Context, connectionID string) (StoredConnectionInfo, error) {
	rec, err := m.store.Load(ctx, connectionID)
	if err != nil {
		return StoredConnectionInfo{}, err
	}
	return rec.Info, nil
}

// ListConnections lists all known connections.
func (m *Manager) ListConnections(ctx context.Context) ([]StoredConnectionInfo, error) {
	return m.store.List(ctx)
}

// ConnectionsForPlatform filters connections by platform.
func (m *Manager) ConnectionsForPlatform(ctx context.Context, p connector.Platform) ([]StoredConnectionInfo, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []StoredConnectionInfo
	for _, info := range all {
		if info.Platform == p {
			out = append(out, info)
		}
	}
	return out, nil
}

// ConnectionsForOrganization filters connections by organization.
func (m *Manager) ConnectionsForOrganization(ctx context.Context, orgID string) ([]StoredConnectionInfo, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []StoredConnectionInfo
	for _, info := range all {
		if info.OrganizationID == orgID {
			out = append(out, info)
		}
	}
	return out, nil
}

func (m *Manager) markStatus(ctx context.Context, rec Record, status TokenStatus) {
	rec.Info.TokenStatus = status
	rec.Info.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Error("failed to update token status",
			zap.String("connection_id", rec.Info.ConnectionID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
