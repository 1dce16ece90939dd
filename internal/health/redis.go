package health

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisChecker checks Redis reachability, which backs the shared rate limits,
// idempotency keys and kill switch.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends a PING.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
