package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

//go:embed scripts/window_limit.lua
var windowLimitLua string

// RateLimiter is a sliding-window limiter over Redis sorted sets. Engines
// that share an instance draw from the same windows, so a per-venue order
// rate holds across replicas.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	now    func() time.Time
}

// NewRateLimiter returns a RateLimiter on c.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:    c.Underlying(),
		script: redis.NewScript(windowLimitLua),
		now:    time.Now,
	}
}

// Allow admits one request under key when fewer than limit were admitted in
// the trailing window. A refused request is not counted; retryAfter is then
// the time until the oldest admitted request leaves the window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	res, err := rl.script.Run(ctx, rl.rdb,
		[]string{namespaced("ratelimit", key)},
		rl.now().UnixMicro(), window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) != 3 {
		return false, 0, fmt.Errorf("redis: rate limit %s: malformed reply %v", key, res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[2]) * time.Microsecond, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
