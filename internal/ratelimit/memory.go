package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter 在进程内按 key 维护固定窗口计数。
type MemoryLimiter struct {
	mu      sync.Mutex
	policy  Policy
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

// MemoryOption 定义 MemoryLimiter 的可选配置。
type MemoryOption func(*MemoryLimiter)

// WithClock 注入时钟，主要用于测试。
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewMemoryLimiter 创建内存限流器。
func NewMemoryLimiter(policy Policy, opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{
		policy:  policy.normalized(),
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Allow 实现 Limiter。
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := windowStart(now, l.policy.Window)
	w, ok := l.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		l.windows[key] = w
	}
	w.count++
	return decide(w.count, l.policy, start, now), nil
}

// Prune 删除已经过期的窗口，返回删除的数量。
func (l *MemoryLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := windowStart(l.now(), l.policy.Window)
	removed := 0
	for key, w := range l.windows {
		if w.start.Before(current) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len 返回当前跟踪的 key 数量。
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// RunPruner 周期性清理过期窗口，直到 ctx 结束。
func (l *MemoryLimiter) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.policy.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
