package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// releaseTimeout bounds the DEL issued by an unlock func.
const releaseTimeout = 5 * time.Second

// releaseScript deletes the key only while it still holds the caller's
// token, so an expired lock that someone else has since taken is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return 0 end
return redis.call('DEL', KEYS[1])`)

// LockManager hands out token-guarded Redis locks. The dispatcher takes one
// per instrument and venue pair so two engines never open the same pair.
type LockManager struct {
	rdb *redis.Client
}

// NewLockManager returns a LockManager on c.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.Underlying()}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld when another
// holder has it. The returned unlock func may be called any number of times
// from any goroutine, and keeps working after ctx is cancelled.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l, err := lm.take(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return l.release, nil
}

// heldLock is one acquired lock and its release state.
type heldLock struct {
	rdb   *redis.Client
	key   string
	token string
	ctx   context.Context
	once  sync.Once
}

func (lm *LockManager) take(ctx context.Context, key string, ttl time.Duration) (*heldLock, error) {
	l := &heldLock{
		rdb:   lm.rdb,
		key:   namespaced("lock", key),
		token: uuid.NewString(),
		ctx:   context.WithoutCancel(ctx),
	}
	ok, err := lm.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	switch {
	case err != nil:
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	case !ok:
		return nil, domain.ErrLockHeld
	}
	return l, nil
}

func (l *heldLock) release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(l.ctx, releaseTimeout)
		defer cancel()
		_ = releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	})
}

var _ domain.LockManager = (*LockManager)(nil)
