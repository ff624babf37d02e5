// Package queue 抽象了执行任务与 Webhook 投递共用的消息队列。
// 消息体为字符串：执行队列投递任务 ID，Webhook 队列投递 JSON 编码的投递记录。
package queue

import (
	"context"

	xerrors "agentmarket/internal/errors"
)

// Handler 处理一条来自队列的消息。返回错误表示需要重新投递。
type Handler func(ctx context.Context, message string) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, message string) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// ErrClosed 表示队列已经关闭。
var ErrClosed = xerrors.New(xerrors.CodeQueueFailure, "queue closed", xerrors.WithRetryable(false))
