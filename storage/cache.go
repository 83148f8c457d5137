package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Cache wraps a Store with a Redis snapshot cache for ListTasks. Every task
// mutation bumps a per-account version, and a cached snapshot is only served
// when it was read at the current version, so a write racing a fill can never
// leave a stale list behind.
type Cache struct {
	Store
	redis *redis.Client
	ttl   time.Duration
}

type cachedSnapshot struct {
	Version int64         `json:"version"`
	Tasks   []domain.Task `json:"tasks"`
}

// NewCache creates a caching Store wrapper using the provided Redis client and TTL.
func NewCache(base Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Store: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, accountID string) ([]domain.Task, error) {
	version, ok := c.version(ctx, accountID)
	if ok {
		if tasks, hit := c.load(ctx, accountID, version); hit {
			return tasks, nil
		}
	}

	tasks, err := c.Store.ListTasks(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if ok {
		c.store(ctx, accountID, version, tasks)
	}
	return tasks, nil
}

func (c *Cache) CreateTask(ctx context.Context, accountID string, fields domain.TaskFields) (domain.Task, error) {
	t, err := c.Store.CreateTask(ctx, accountID, fields)
	if err == nil {
		c.invalidate(ctx, accountID)
	}
	return t, err
}

func (c *Cache) UpdateTask(ctx context.Context, accountID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	t, err := c.Store.UpdateTask(ctx, accountID, taskID, patch)
	if err == nil {
		c.invalidate(ctx, accountID)
	}
	return t, err
}

func (c *Cache) MoveTask(ctx context.Context, accountID, taskID string, column domain.Column, order float64) (domain.Task, error) {
	t, err := c.Store.MoveTask(ctx, accountID, taskID, column, order)
	if err == nil {
		c.invalidate(ctx, accountID)
	}
	return t, err
}

func (c *Cache) DeleteTask(ctx context.Context, accountID, taskID string) (domain.Task, error) {
	t, err := c.Store.DeleteTask(ctx, accountID, taskID)
	if err == nil {
		c.invalidate(ctx, accountID)
	}
	return t, err
}

// version returns the account's current cache version. ok is false when Redis
// is unavailable, in which case the cache is bypassed.
func (c *Cache) version(ctx context.Context, accountID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	v, err := c.redis.Get(ctx, versionKey(accountID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, true
		}
		log.WithError(err).Debug("task cache unavailable")
		return 0, false
	}
	return v, true
}

func (c *Cache) load(ctx context.Context, accountID string, version int64) ([]domain.Task, bool) {
	data, err := c.redis.Get(ctx, tasksCacheKey(accountID)).Bytes()
	if err != nil {
		return nil, false
	}
	var snap cachedSnapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(accountID)).Err()
		return nil, false
	}
	if snap.Version != version {
		return nil, false
	}
	if snap.Tasks == nil {
		snap.Tasks = []domain.Task{}
	}
	return snap.Tasks, true
}

func (c *Cache) store(ctx context.Context, accountID string, version int64, tasks []domain.Task) {
	data, err := sonic.Marshal(cachedSnapshot{Version: version, Tasks: tasks})
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(accountID), data, c.ttl).Err()
}

func (c *Cache) invalidate(ctx context.Context, accountID string) {
	if c.redis == nil {
		return
	}
	pipe := c.redis.TxPipeline()
	pipe.Incr(ctx, versionKey(accountID))
	pipe.Expire(ctx, versionKey(accountID), 24*time.Hour)
	pipe.Del(ctx, tasksCacheKey(accountID))
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).WithField("account", accountID).Warn("failed to invalidate task cache")
	}
}

func tasksCacheKey(accountID string) string {
	return "tasks:" + accountID
}

func versionKey(accountID string) string {
	return "tasks:version:" + accountID
}
