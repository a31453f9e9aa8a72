// Package session stores refresh sessions. The default backend is the
// Postgres store; this Redis backend takes over when REDIS_URL is set,
// letting the TTL handling ride on key expiry.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/50kudos/fset/internal/store"
	"github.com/redis/go-redis/v9"
)

// refreshRecord is the value stored per hashed refresh token. Only the
// user id is needed; the caller re-reads the user row when it issues
// the next access token, so role changes take effect on refresh.
type refreshRecord struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

const keyPrefix = "fset:refresh:"

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: keyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client, for callers that
// manage the connection themselves.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	record := refreshRecord{
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode refresh record: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.key(tokenHash), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession resolves a hashed refresh token. The returned
// user carries the id only; expiry is enforced by the key TTL.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	encoded, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return store.User{}, fmt.Errorf("refresh session not found or expired")
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh session: %w", err)
	}

	var record refreshRecord
	if err := json.Unmarshal([]byte(encoded), &record); err != nil {
		return store.User{}, fmt.Errorf("decode refresh record: %w", err)
	}

	return store.User{ID: record.UserID}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
