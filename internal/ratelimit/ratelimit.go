// Package ratelimit 实现按身份、按操作的固定窗口限流。
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "agentmarket/internal/errors"
)

// Limiter 判断某个身份在当前窗口内是否还有额度。
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Decision 是一次限流判定的结果。
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Err 在被拒绝时返回带 retry_after 元数据的 RATE_LIMIT_EXCEEDED 错误。
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	seconds := int(d.RetryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return ErrLimited.With(xerrors.WithMetadata("retry_after", strconv.Itoa(seconds)))
}

// Policy 描述固定窗口内允许的请求数。
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) normalized() Policy {
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}

// 各业务操作的名称。
const (
	OpRegister  = "register"
	OpDiscovery = "discovery"
	OpTasks     = "tasks"
	OpClaims    = "claims"
	OpExecute   = "execute"
	OpPoll      = "poll"
)

// DefaultPolicies 返回默认额度。
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		OpRegister:  {Limit: 10, Window: time.Minute},
		OpDiscovery: {Limit: 60, Window: time.Minute},
		OpTasks:     {Limit: 60, Window: time.Minute},
		OpClaims:    {Limit: 60, Window: time.Minute},
		OpExecute:   {Limit: 100, Window: time.Minute},
		OpPoll:      {Limit: 30, Window: time.Minute},
	}
}

// ErrLimited 表示请求超过了限流额度。
var ErrLimited = xerrors.New(xerrors.CodeRateLimited, "请求过于频繁，请稍后重试")

// Set 按操作名持有一组限流器。
type Set struct {
	limiters map[string]Limiter
}

// Factory 为指定操作构造限流器。
type Factory func(op string, policy Policy) Limiter

// NewSet 为每个操作调用 factory 构造限流器。
func NewSet(policies map[string]Policy, factory Factory) *Set {
	set := &Set{limiters: make(map[string]Limiter, len(policies))}
	for op, policy := range policies {
		set.limiters[op] = factory(op, policy.normalized())
	}
	return set
}

// For 返回指定操作的限流器，未配置时返回 nil。
func (s *Set) For(op string) Limiter {
	if s == nil {
		return nil
	}
	return s.limiters[op]
}

// Allow 对指定操作执行判定。未配置的操作总是放行。
func (s *Set) Allow(ctx context.Context, op, key string) (Decision, error) {
	limiter := s.For(op)
	if limiter == nil {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	return limiter.Allow(ctx, key)
}

// SecretKey 以买方密钥的 keccak256 摘要作为限流身份，原始密钥不会进入限流存储。
func SecretKey(secret string) string {
	return "secret:" + crypto.Keccak256Hash([]byte(secret)).Hex()
}

// AgentKey 以调用方声明的智能体 ID 作为身份。
func AgentKey(agentID string) string {
	return "agent:" + strings.TrimSpace(agentID)
}

// IPKey 以客户端 IP 作为身份。
func IPKey(ip string) string {
	return "ip:" + strings.TrimSpace(ip)
}

// windowStart 将时间对齐到窗口起点，内存与 Redis 实现共用同一划分方式。
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func decide(count int, policy Policy, start, now time.Time) Decision {
	reset := start.Add(policy.Window)
	remaining := policy.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: count <= policy.Limit, Remaining: remaining, ResetAt: reset}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d
}
