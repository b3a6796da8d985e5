package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	start := time.UnixMicro(1_700_000_000_000_000)
	now := start
	rl.now = func() time.Time { return now }

	allow := func() (bool, time.Duration) {
		t.Helper()
		ok, retry, err := rl.Allow(ctx, "orders:alpha", 2, time.Second)
		require.NoError(t, err)
		return ok, retry
	}

	ok, retry := allow()
	assert.True(t, ok)
	assert.Zero(t, retry)

	now = start.Add(100 * time.Millisecond)
	ok, _ = allow()
	assert.True(t, ok)

	// Full: the oldest entry leaves the window 800ms from now.
	now = start.Add(200 * time.Millisecond)
	ok, retry = allow()
	assert.False(t, ok)
	assert.Equal(t, 800*time.Millisecond, retry)

	// A refused request is not counted.
	ok, retry = allow()
	assert.False(t, ok)
	assert.Equal(t, 800*time.Millisecond, retry)

	now = start.Add(time.Second + time.Millisecond)
	ok, _ = allow()
	assert.True(t, ok)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	c, mr := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	ok, _, err := rl.Allow(ctx, "orders:alpha", 1, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _, err = rl.Allow(ctx, "orders:alpha", 1, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = rl.Allow(ctx, "orders:beta", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists("simplearb:ratelimit:orders:alpha"))
	assert.Positive(t, mr.TTL("simplearb:ratelimit:orders:alpha"))
}

func TestRateLimiterUnlimited(t *testing.T) {
	c, mr := newTestClient(t)
	rl := NewRateLimiter(c)

	for range 5 {
		ok, retry, err := rl.Allow(context.Background(), "orders:alpha", 0, time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, retry)
	}
	assert.Empty(t, mr.Keys())
}

func TestRateLimiterReportsBackendErrors(t *testing.T) {
	c, mr := newTestClient(t)
	rl := NewRateLimiter(c)
	mr.SetError("ERR backend down")

	_, _, err := rl.Allow(context.Background(), "orders:alpha", 1, time.Second)
	require.ErrorContains(t, err, "redis: rate limit orders:alpha")
}
