package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/shadowscan/internal/connector"
)

// ErrNotFound is returned when no credential record exists for a connection.
var ErrNotFound = errors.New("connection not found")

// TokenStatus tracks the lifecycle state of a connection's credentials.
type TokenStatus string

const (
	StatusActive  TokenStatus = "active"
	StatusExpired TokenStatus = "expired"
	StatusRevoked TokenStatus = "revoked"
	StatusError   TokenStatus = "error"
)

// StoredConnectionInfo is the non-secret view of a platform connection.
type StoredConnectionInfo struct {
	ConnectionID   string             `json:"connection_id"`
	OrganizationID string             `json:"organization_id"`
	Platform       connector.Platform `json:"platform"`
	UserEmail      string             `json:"user_email"`
	TokenStatus    TokenStatus        `json:"token_status"`
	Scopes         []string           `json:"scopes,omitempty"`
	ExpiresAt      time.Time          `json:"expires_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Record pairs connection info with its encrypted credential envelope.
// Exactly one record exists per connection id; Save overwrites.
type Record struct {
	Info     StoredConnectionInfo `json:"info"`
	Envelope Envelope             `json:"envelope"`
}

// Store persists credential records. Implementations never see plaintext
// tokens; the manager encrypts before Save and decrypts after Load.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, connectionID string) (Record, error)
	Delete(ctx context.Context, connectionID string) error
	List(ctx context.Context) ([]StoredConnectionInfo, error)
}

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Info.ConnectionID] = rec
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, connectionID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[connectionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Delete(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, connectionID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]StoredConnectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredConnectionInfo, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Info)
	}
	return out, nil
}

// RedisStore persists credential records in Redis. Envelopes are stored
// encrypted, so a compromised Redis instance exposes no token material.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "shadowscan:credentials:"}
}

func (s *RedisStore) key(connectionID string) string {
	return s.prefix + connectionID
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.Info.ConnectionID), data, 0).Err(); err != nil {
		return fmt.Errorf("saving record: %w", err)
	}
	return s.client.SAdd(ctx, s.prefix+"index", rec.Info.ConnectionID).Err()
}

func (s *RedisStore) Load(ctx context.Context, connectionID string) (Record, error) {
	data, err := s.client.Get(ctx, s.key(connectionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshaling record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, connectionID string) error {
	if err := s.client.Del(ctx, s.key(connectionID)).Err(); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return s.client.SRem(ctx, s.prefix+"index", connectionID).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]StoredConnectionInfo, error) {
	ids, err := s.client.SMembers(ctx, s.prefix+"index").Result()
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	out := make([]StoredConnectionInfo, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Info)
	}
	return out, nil
}
