package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper records processed request ids so a retried intent is applied once.
type Deduper interface {
	Add(ctx context.Context, accountID, key string) (bool, error)
	Remove(ctx context.Context, accountID, key string) error
}

// RedisDeduper stores processed request ids in Redis so all instances
// can avoid reapplying the same intent.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(accountID, key string) string {
	return fmt.Sprintf("intent:%s:%s", accountID, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, accountID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(accountID, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key. It is used when the store rejects
// the intent so the client may retry it.
func (r *RedisDeduper) Remove(ctx context.Context, accountID, key string) error {
	return r.client.Del(ctx, r.key(accountID, key)).Err()
}
