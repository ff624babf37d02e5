package ratelimit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "agentmarket/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryLimiterFixedWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 10, 0, 5, 0, time.UTC)}
	limiter := NewMemoryLimiter(Policy{Limit: 2, Window: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "ip:1.2.3.4")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 55*time.Second, d.RetryAfter)

	other, err := limiter.Allow(ctx, "ip:5.6.7.8")
	require.NoError(t, err)
	require.True(t, other.Allowed, "keys must not share a window")

	clock.Advance(time.Minute)
	d, err = limiter.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	require.True(t, d.Allowed, "new window should reset the counter")
}

func TestMemoryLimiterPrune(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(Policy{Limit: 5, Window: time.Minute}, WithClock(clock.Now))
	_, _ = limiter.Allow(context.Background(), "a")
	_, _ = limiter.Allow(context.Background(), "b")
	require.Equal(t, 2, limiter.Len())

	clock.Advance(2 * time.Minute)
	require.Equal(t, 2, limiter.Prune())
	require.Equal(t, 0, limiter.Len())
}

func TestRedisLimiterSharesCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	policy := Policy{Limit: 3, Window: time.Minute}
	first := NewRedisLimiter(client, "test", OpPoll, policy)
	second := NewRedisLimiter(client, "test", OpPoll, policy)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 5; i++ {
		limiter := first
		if i%2 == 1 {
			limiter = second
		}
		d, err := limiter.Allow(ctx, "agent:x")
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	require.Equal(t, 3, allowed)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	require.True(t, strings.HasPrefix(keys[0], "test:poll:agent:x:"))
	require.Greater(t, mr.TTL(keys[0]), time.Duration(0))
}

func TestRedisLimiterUnavailableIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	_, err := NewRedisLimiter(client, "", OpTasks, Policy{Limit: 1, Window: time.Second}).Allow(context.Background(), "k")
	require.Error(t, err)
	require.True(t, xerrors.RetryableError(err))
}

func TestSetAndKeys(t *testing.T) {
	set := NewSet(map[string]Policy{OpRegister: {Limit: 1, Window: time.Minute}}, func(op string, p Policy) Limiter {
		return NewMemoryLimiter(p)
	})
	ctx := context.Background()

	d, err := set.Allow(ctx, OpRegister, AgentKey("a"))
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = set.Allow(ctx, OpRegister, AgentKey("a"))
	require.NoError(t, err)
	require.False(t, d.Allowed)

	limitErr := d.Err()
	require.ErrorIs(t, limitErr, ErrLimited)
	require.NotEmpty(t, xerrors.MetadataOf(limitErr, "retry_after"))

	d, err = set.Allow(ctx, "unknown", "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	secretKey := SecretKey("super-secret")
	require.True(t, strings.HasPrefix(secretKey, "secret:0x"))
	require.NotContains(t, secretKey, "super-secret")
	require.Equal(t, "ip:10.0.0.1", IPKey(" 10.0.0.1 "))
}
