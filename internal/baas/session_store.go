package baas

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StoredSession is the persisted form of a backend session.
type StoredSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
}

// SessionStore persists at most one session per storage key.
type SessionStore interface {
	Load(ctx context.Context, key string) (StoredSession, error)
	Save(ctx context.Context, key string, stored StoredSession) error
	Delete(ctx context.Context, key string) error
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mutex    sync.Mutex
	sessions map[string]StoredSession
}

// NewMemorySessionStore constructs an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]StoredSession)}
}

// Load returns the session stored under key.
func (store *MemorySessionStore) Load(ctx context.Context, key string) (StoredSession, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	stored, ok := store.sessions[key]
	if !ok {
		return StoredSession{}, ErrSessionNotFound
	}
	return stored, nil
}

// Save replaces the session stored under key.
func (store *MemorySessionStore) Save(ctx context.Context, key string, stored StoredSession) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("session_store.save.memory: %w", errEmptyStoreKey)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sessions[key] = stored
	return nil
}

// Delete removes the session stored under key.
func (store *MemorySessionStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.sessions, key)
	return nil
}

// DefaultRedisSessionTTL bounds how long a session survives in Redis without being refreshed.
const DefaultRedisSessionTTL = 30 * 24 * time.Hour

// OpenSessionStore selects a store from a URL: empty or memory:// keeps sessions in memory,
// sqlite:// and postgres:// persist through GORM, redis:// and rediss:// use Redis.
func OpenSessionStore(ctx context.Context, storeURL string) (SessionStore, string, error) {
	trimmed := strings.TrimSpace(storeURL)
	if trimmed == "" {
		return NewMemorySessionStore(), "memory", nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("session_store.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemorySessionStore(), "memory", nil
	case "redis", "rediss":
		options, optionsErr := redis.ParseURL(trimmed)
		if optionsErr != nil {
			return nil, "", fmt.Errorf("session_store.redis.parse_url: %w", optionsErr)
		}
		client := redis.NewClient(options)
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			_ = client.Close()
			return nil, "", fmt.Errorf("session_store.redis.ping: %w", pingErr)
		}
		return NewRedisSessionStore(client, "", DefaultRedisSessionTTL), "redis", nil
	default:
		store, openErr := NewDatabaseSessionStore(ctx, trimmed)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, store.Driver(), nil
	}
}
