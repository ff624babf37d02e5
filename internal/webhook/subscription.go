package webhook

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "agentmarket/internal/errors"
)

// Subscription 描述一个事件订阅方。Secret 只用于签名，不会被序列化返回。
type Subscription struct {
	ID        string    `json:"subscription_id"`
	TargetURL string    `json:"target_url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Matches 判断订阅是否关注该事件类型。空列表表示全部，支持 "task.*" 形式的前缀匹配。
func (s *Subscription) Matches(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, pattern := range s.Events {
		switch {
		case pattern == "*" || pattern == eventType:
			return true
		case strings.HasSuffix(pattern, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*")):
			return true
		}
	}
	return false
}

// ErrSubscriptionNotFound 表示订阅不存在。
var ErrSubscriptionNotFound = xerrors.New(xerrors.CodeNotFound, "subscription not found")

// SubscriptionStore 保存订阅。
type SubscriptionStore interface {
	Add(ctx context.Context, sub *Subscription) (*Subscription, error)
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
}

// MemorySubscriptionStore 以内存保存订阅。
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemorySubscriptionStore 创建内存订阅存储，可选地预置订阅。
func NewMemorySubscriptionStore(seed ...*Subscription) (*MemorySubscriptionStore, error) {
	store := &MemorySubscriptionStore{subs: make(map[string]*Subscription)}
	for _, sub := range seed {
		if _, err := store.Add(context.Background(), sub); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Add 校验并保存订阅，缺省时分配 ID。
func (m *MemorySubscriptionStore) Add(_ context.Context, sub *Subscription) (*Subscription, error) {
	if sub == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "订阅不能为空")
	}
	target, err := url.Parse(strings.TrimSpace(sub.TargetURL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "target_url 必须是 http(s) 地址")
	}
	stored := cloneSubscription(sub)
	stored.TargetURL = target.String()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[stored.ID]; ok {
		return nil, xerrors.New(xerrors.CodeConflict, "subscription already exists").With(xerrors.WithMetadata("subscription_id", stored.ID))
	}
	m.subs[stored.ID] = stored
	return cloneSubscription(stored), nil
}

// Get 返回订阅。
func (m *MemorySubscriptionStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return cloneSubscription(sub), nil
}

// List 按创建时间返回全部订阅。
func (m *MemorySubscriptionStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, cloneSubscription(sub))
	}
	m.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
	return subs, nil
}

func cloneSubscription(sub *Subscription) *Subscription {
	clone := *sub
	clone.Events = append([]string(nil), sub.Events...)
	return &clone
}

var _ SubscriptionStore = (*MemorySubscriptionStore)(nil)
