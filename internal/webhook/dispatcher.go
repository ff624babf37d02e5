package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/observability/metrics"
	"agentmarket/internal/queue"
	"agentmarket/pkg/logger"
)

// SignatureHeader 携带请求体的 HMAC-SHA256 签名。
const SignatureHeader = "X-Market-Signature"

const publishTimeout = 2 * time.Second

// Stats 是投递结果的进程内计数。
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Retried   int64 `json:"retried"`
	Abandoned int64 `json:"abandoned"`
}

// Dispatcher 将业务事件扇出给订阅方，经由队列异步投递并按退避重试。
type Dispatcher struct {
	subs       SubscriptionStore
	queue      queue.Queue
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     RetryPolicy
	workers    int
	jitter     func(n int64) int64
	now        func() time.Time

	retries sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	retried   atomic.Int64
	abandoned atomic.Int64
}

// Option 配置 Dispatcher。
type Option func(*Dispatcher)

// WithHTTPClient 替换出站 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.httpClient = client
		}
	}
}

// WithRetryPolicy 设置退避策略。
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(d *Dispatcher) {
		d.policy = policy.normalized()
	}
}

// WithRateLimit 设置出站速率，burst 至少为 1。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithWorkers 设置并发投递的协程数。
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithJitter 替换抖动函数，返回 [0, n) 内的值。
func WithJitter(fn func(n int64) int64) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.jitter = fn
		}
	}
}

// NewDispatcher 创建 Dispatcher。
func NewDispatcher(subs SubscriptionStore, q queue.Queue, opts ...Option) (*Dispatcher, error) {
	if subs == nil || q == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "webhook dispatcher 需要订阅存储与队列")
	}
	d := &Dispatcher{
		subs:       subs,
		queue:      q,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		policy:     DefaultRetryPolicy(),
		workers:    2,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Subscriptions 返回订阅存储。
func (d *Dispatcher) Subscriptions() SubscriptionStore {
	return d.subs
}

// Notify 为每个匹配的订阅生成一次投递并入队。失败只记录日志。
func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	subs, err := d.subs.List(ctx)
	if err != nil {
		logger.L().Warn("读取 webhook 订阅失败", slog.String("event_type", event.Type), slog.Any("error", err))
		return
	}

	// 请求结束不应丢弃事件。
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, sub := range subs {
		if !sub.Matches(event.Type) {
			continue
		}
		delivery := &Delivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			TargetURL:      sub.TargetURL,
			Event:          event,
			Attempt:        1,
			Status:         DeliveryPending,
		}
		if err := d.enqueue(pubCtx, delivery); err != nil {
			d.abandon(delivery, err)
			continue
		}
		d.published.Add(1)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, delivery *Delivery) error {
	encoded, err := json.Marshal(delivery)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化 webhook 投递失败")
	}
	if err := d.queue.Publish(ctx, string(encoded)); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "webhook 投递入队失败")
	}
	return nil
}

// Start 消费投递队列直到 ctx 结束，随后等待已计划的重试退出。
func (d *Dispatcher) Start(ctx context.Context) error {
	err := d.queue.Consume(ctx, d.workers, func(handlerCtx context.Context, message string) error {
		d.handle(ctx, handlerCtx, message)
		return nil
	})
	d.retries.Wait()
	return err
}

// Stats 返回投递计数快照。
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Delivered: d.delivered.Load(),
		Retried:   d.retried.Load(),
		Abandoned: d.abandoned.Load(),
	}
}

func (d *Dispatcher) handle(runCtx, ctx context.Context, message string) {
	var delivery Delivery
	if err := json.Unmarshal([]byte(message), &delivery); err != nil {
		logger.L().Error("无法解析 webhook 投递", slog.Any("error", err))
		d.abandoned.Add(1)
		metrics.ObserveWebhookDelivery(string(DeliveryAbandoned))
		return
	}

	sub, err := d.subs.Get(ctx, delivery.SubscriptionID)
	if err != nil {
		d.abandon(&delivery, err)
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.abandon(&delivery, err)
		return
	}

	if err := d.send(ctx, sub, &delivery); err != nil {
		if ctx.Err() != nil {
			return
		}
		delivery.LastError = err.Error()
		d.retry(runCtx, &delivery)
		return
	}

	delivery.Status = DeliveryDelivered
	d.delivered.Add(1)
	metrics.ObserveWebhookDelivery(string(DeliveryDelivered))
	logger.L().Debug("webhook 投递成功",
		slog.String("delivery_id", delivery.ID),
		slog.String("event_type", delivery.Event.Type),
		slog.Int("attempt", delivery.Attempt),
	)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, delivery *Delivery) error {
	body, err := json.Marshal(delivery.Event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Market-Event", delivery.Event.Type)
	req.Header.Set("X-Market-Delivery", delivery.ID)
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) retry(runCtx context.Context, delivery *Delivery) {
	if delivery.Attempt >= d.policy.MaxAttempts {
		d.abandon(delivery, xerrors.New(xerrors.CodeRetriesExhausted, delivery.LastError))
		return
	}
	delay := d.policy.Backoff(delivery.Attempt, d.jitter)
	delivery.Attempt++
	delivery.NextRetryAt = d.now().Add(delay).UTC()
	d.retried.Add(1)
	metrics.ObserveWebhookDelivery("retry")

	next := *delivery
	d.retries.Add(1)
	go func() {
		defer d.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-runCtx.Done():
			logger.L().Warn("服务停止，放弃待重试的 webhook 投递",
				slog.String("delivery_id", next.ID),
				slog.Int("attempt", next.Attempt),
			)
			return
		case <-timer.C:
		}
		pubCtx, cancel := context.WithTimeout(runCtx, publishTimeout)
		defer cancel()
		if err := d.enqueue(pubCtx, &next); err != nil {
			d.abandon(&next, err)
		}
	}()
}

func (d *Dispatcher) abandon(delivery *Delivery, cause error) {
	delivery.Status = DeliveryAbandoned
	d.abandoned.Add(1)
	metrics.ObserveWebhookDelivery(string(DeliveryAbandoned))
	logger.L().Warn("webhook 投递已放弃",
		slog.String("delivery_id", delivery.ID),
		slog.String("subscription_id", delivery.SubscriptionID),
		slog.String("event_type", delivery.Event.Type),
		slog.Int("attempt", delivery.Attempt),
		slog.Any("error", cause),
	)
}

// Sign 计算 "sha256=<hex>" 形式的请求体签名。
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 以常量时间比较签名。
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

var _ Notifier = (*Dispatcher)(nil)
