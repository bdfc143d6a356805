package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the current credential.
type Store interface {
	Save(ctx context.Context, cred Credential) error
	// Load returns nil, nil when nothing is stored.
	Load(ctx context.Context) (*Credential, error)
	Delete(ctx context.Context) error
}

// RedisStore keeps the credential in Redis under a single key.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a Redis-backed credential store. slot distinguishes
// clients sharing one Redis instance.
func NewRedisStore(client *redis.Client, slot string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    "credential:" + slot,
	}
}

func (r *RedisStore) Save(ctx context.Context, cred Credential) error {
	var ttl time.Duration
	if !cred.ExpiresAt.IsZero() {
		ttl = time.Until(cred.ExpiresAt)
		if ttl <= 0 {
			return errors.New("identity: expires_at must be in the future")
		}
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("identity: failed to marshal: %w", err)
	}
	return r.client.Set(ctx, r.key, data, ttl).Err()
}

func (r *RedisStore) Load(ctx context.Context) (*Credential, error) {
	val, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cred Credential
	if err := json.Unmarshal([]byte(val), &cred); err != nil {
		return nil, fmt.Errorf("identity: failed to unmarshal: %w", err)
	}
	return &cred, nil
}

func (r *RedisStore) Delete(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

// MemoryStore holds the credential for the lifetime of the process.
type MemoryStore struct {
	mu   sync.Mutex
	cred *Credential
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(_ context.Context, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = &cred
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, nil
	}
	c := *m.cred
	return &c, nil
}

func (m *MemoryStore) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = nil
	return nil
}
