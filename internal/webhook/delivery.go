package webhook

import (
	"math/rand/v2"
	"time"
)

// DeliveryStatus 表示投递状态。
type DeliveryStatus string

// 投递状态
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryAbandoned DeliveryStatus = "abandoned"
)

// Delivery 是一次事件到一个订阅方的投递，以 JSON 形式在队列中流转。不携带订阅密钥。
type Delivery struct {
	ID             string         `json:"delivery_id"`
	SubscriptionID string         `json:"subscription_id"`
	TargetURL      string         `json:"target_url"`
	Event          Event          `json:"event"`
	Attempt        int            `json:"attempt"`
	NextRetryAt    time.Time      `json:"next_retry_at,omitzero"`
	Status         DeliveryStatus `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
}

// RetryPolicy 控制失败投递的退避。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy 返回 5 次尝试、1s 起步、60s 封顶的策略。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Ceiling 返回第 attempt 次失败后的退避上限：min(max, base·2^(attempt-1))。
func (p RetryPolicy) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Backoff 在 [0, Ceiling(attempt)] 内取完全抖动的退避时长。
func (p RetryPolicy) Backoff(attempt int, jitter func(n int64) int64) time.Duration {
	ceiling := p.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	if jitter == nil {
		jitter = rand.Int64N
	}
	return time.Duration(jitter(int64(ceiling) + 1))
}
