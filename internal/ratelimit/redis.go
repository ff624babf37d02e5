package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "agentmarket/internal/errors"
)

// RedisLimiter 使用 INCR + PEXPIRE 实现跨进程共享的固定窗口。
type RedisLimiter struct {
	client *redis.Client
	prefix string
	op     string
	policy Policy
	now    func() time.Time
}

// NewRedisLimiter 创建 Redis 限流器。key 形如 <prefix>:<op>:<identity>:<window-start>。
func NewRedisLimiter(client *redis.Client, prefix, op string, policy Policy) *RedisLimiter {
	if prefix == "" {
		prefix = "agentmarket:ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, op: op, policy: policy.normalized(), now: time.Now}
}

// Allow 实现 Limiter。Redis 不可用时返回可重试错误，由调用方决定是否放行。
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	start := windowStart(now, l.policy.Window)
	redisKey := l.key(key, start)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, l.policy.Window+time.Second)
		return nil
	})
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeUnavailable, err, "限流计数失败")
	}
	return decide(int(incr.Val()), l.policy, start, now), nil
}

func (l *RedisLimiter) key(identity string, start time.Time) string {
	return l.prefix + ":" + l.op + ":" + identity + ":" + strconv.FormatInt(start.UnixMilli(), 10)
}

var _ Limiter = (*RedisLimiter)(nil)
