package stream

import (
	"context"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether an account may submit another intent.
type Limiter interface {
	Allow(ctx context.Context, accountID string) (bool, error)
}

// RedisLimiter is a GCRA limiter shared by every instance through Redis.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter allows perSecond intents per account with an equal burst.
func NewRedisLimiter(client *redis.Client, perSecond int) *RedisLimiter {
	return &RedisLimiter{limiter: redis_rate.NewLimiter(client), limit: redis_rate.PerSecond(perSecond)}
}

func (l *RedisLimiter) Allow(ctx context.Context, accountID string) (bool, error) {
	res, err := l.limiter.Allow(ctx, "intents:"+accountID, l.limit)
	if err != nil {
		return false, err
	}
	return res.Allowed > 0, nil
}
