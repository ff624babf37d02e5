package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "agentmarket/internal/errors"
)

// RedisQueue 使用 Redis list 实现队列，LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	name   string
	wait   time.Duration
	owned  bool
}

// RedisOption 定义 RedisQueue 的可选配置。
type RedisOption func(*RedisQueue)

// WithBlockWait 设置 BRPOP 的阻塞时间。
func WithBlockWait(wait time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if wait > 0 {
			q.wait = wait
		}
	}
}

// WithOwnedClient 表示 Close 时需要一并关闭 Redis 客户端。
func WithOwnedClient() RedisOption {
	return func(q *RedisQueue) {
		q.owned = true
	}
}

// NewRedisQueue 基于已有的 Redis 客户端创建队列。
func NewRedisQueue(client *redis.Client, name string, opts ...RedisOption) (*RedisQueue, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 客户端不能为空")
	}
	if name == "" {
		name = "agentmarket:queue"
	}
	q := &RedisQueue{client: client, name: name, wait: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Publish 将消息投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, message string) error {
	if err := q.client.LPush(ctx, q.name, message).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布消息失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取消息，处理失败时重新投递到队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.name).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取消息失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				message := values[1]
				if handlerErr := handler(ctx, message); handlerErr != nil && ctx.Err() == nil {
					_ = q.client.RPush(ctx, q.name, message).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 在持有客户端所有权时关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
