package baas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "taskdesk:session:"

// RedisSessionStore persists sessions in Redis with a sliding TTL renewed on every save.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSessionStore creates a Redis-backed store. Empty prefix and non-positive ttl use defaults.
func NewRedisSessionStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSessionStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisSessionTTL
	}
	return &RedisSessionStore{client: client, prefix: prefix, ttl: ttl}
}

// Load returns the session stored under key.
func (store *RedisSessionStore) Load(ctx context.Context, key string) (StoredSession, error) {
	if key == "" {
		return StoredSession{}, ErrSessionNotFound
	}
	data, err := store.client.Get(ctx, store.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StoredSession{}, ErrSessionNotFound
		}
		return StoredSession{}, fmt.Errorf("session_store.load.redis: %w", err)
	}
	var stored StoredSession
	if unmarshalErr := json.Unmarshal([]byte(data), &stored); unmarshalErr != nil {
		return StoredSession{}, fmt.Errorf("session_store.load.redis.decode: %w", unmarshalErr)
	}
	return stored, nil
}

// Save writes the session stored under key.
func (store *RedisSessionStore) Save(ctx context.Context, key string, stored StoredSession) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("session_store.save.redis: %w", errEmptyStoreKey)
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("session_store.save.redis.encode: %w", err)
	}
	if setErr := store.client.Set(ctx, store.prefix+key, data, store.ttl).Err(); setErr != nil {
		return fmt.Errorf("session_store.save.redis: %w", setErr)
	}
	return nil
}

// Delete removes the session stored under key.
func (store *RedisSessionStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := store.client.Del(ctx, store.prefix+key).Err(); err != nil {
		return fmt.Errorf("session_store.delete.redis: %w", err)
	}
	return nil
}
