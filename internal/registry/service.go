package registry

import (
	"context"
	stdErrors "errors"
	"iter"
	"log/slog"
	"strings"
	"time"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/keylock"
	"agentmarket/internal/ratelimit"
	"agentmarket/internal/webhook"
	"agentmarket/pkg/logger"
)

const maxUpdateAttempts = 3

// Service 实现注册、查询与列表。
type Service struct {
	store    Store
	limiter  ratelimit.Limiter
	notifier webhook.Notifier
	locks    *keylock.Table
	now      func() time.Time
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithLimiter 为同一 agent_id 的注册频率设置限流器。
func WithLimiter(limiter ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = limiter }
}

// WithNotifier 配置 agent.* 事件通知。
func WithNotifier(notifier webhook.Notifier) Option {
	return func(s *Service) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建注册服务。
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, notifier: webhook.NopNotifier{}, locks: keylock.New(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register 注册或更新智能体，返回最新记录以及是否为新建。
// 完全相同的重复注册不会改变版本号。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AgentProfile, bool, error) {
	req.AgentID = strings.ToLower(strings.TrimSpace(req.AgentID))
	req.AgentName = strings.TrimSpace(req.AgentName)
	req.Description = strings.TrimSpace(req.Description)
	req.BaseURL = NormalizeBaseURL(req.BaseURL)
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	req.Tags = NormalizeTags(req.Tags)

	if s.limiter != nil {
		decision, err := s.limiter.Allow(ctx, ratelimit.AgentKey(req.AgentID))
		if err != nil {
			return nil, false, err
		}
		if !decision.Allowed {
			return nil, false, decision.Err()
		}
	}

	unlock := s.locks.Lock(req.AgentID)
	defer unlock()

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		profile, created, err := s.register(ctx, req)
		if stdErrors.Is(err, errStaleVersion) {
			continue
		}
		return profile, created, err
	}
	return nil, false, ErrAlreadyRegistered.With(xerrors.WithMetadata("agent_id", req.AgentID))
}

func (s *Service) register(ctx context.Context, req RegisterRequest) (*AgentProfile, bool, error) {
	existing, err := s.store.Get(ctx, req.AgentID)
	if err != nil && !stdErrors.Is(err, ErrAgentNotFound) {
		return nil, false, err
	}
	if existing == nil {
		return s.create(ctx, req)
	}

	next := cloneProfile(existing)
	next.AgentName = req.AgentName
	next.Description = req.Description
	next.Tags = req.Tags
	next.Status = StatusActive

	if existing.BaseURL != req.BaseURL {
		if !req.Update {
			return nil, false, ErrAlreadyRegistered.With(
				xerrors.WithMetadata("agent_id", req.AgentID),
				xerrors.WithMetadata("reason", "base_url_changed"),
			)
		}
		if owner, err := s.store.GetByBaseURL(ctx, req.BaseURL); err == nil && owner.AgentID != req.AgentID {
			return nil, false, ErrAlreadyRegistered.With(xerrors.WithMetadata("reason", "base_url_taken"))
		} else if err != nil && !stdErrors.Is(err, ErrAgentNotFound) {
			return nil, false, err
		}
		next.BaseURL = req.BaseURL
	} else if identical(existing, next) {
		return existing, false, nil
	}

	next.Version = existing.Version + 1
	next.LastUpdatedAt = s.timestamp()
	if err := s.store.Update(ctx, next, existing.Version); err != nil {
		return nil, false, err
	}
	logger.Audit().Info("智能体信息已更新",
		slog.String("agent_id", next.AgentID),
		slog.Int64("version", next.Version),
	)
	s.notifier.Notify(ctx, webhook.NewEvent(webhook.EventAgentUpdated, "", string(next.Status), agentEventData(next)))
	return next, false, nil
}

func (s *Service) create(ctx context.Context, req RegisterRequest) (*AgentProfile, bool, error) {
	if owner, err := s.store.GetByBaseURL(ctx, req.BaseURL); err == nil {
		return nil, false, ErrAlreadyRegistered.With(
			xerrors.WithMetadata("reason", "base_url_taken"),
			xerrors.WithMetadata("owner", owner.AgentID),
		)
	} else if !stdErrors.Is(err, ErrAgentNotFound) {
		return nil, false, err
	}

	now := s.timestamp()
	profile := &AgentProfile{
		AgentID:       req.AgentID,
		AgentName:     req.AgentName,
		BaseURL:       req.BaseURL,
		Description:   req.Description,
		Tags:          req.Tags,
		Version:       1,
		Status:        StatusActive,
		RegisteredAt:  now,
		LastUpdatedAt: now,
	}
	if err := s.store.Create(ctx, profile); err != nil {
		return nil, false, err
	}
	logger.Audit().Info("智能体已注册",
		slog.String("agent_id", profile.AgentID),
		slog.String("base_url", profile.BaseURL),
	)
	s.notifier.Notify(ctx, webhook.NewEvent(webhook.EventAgentRegistered, "", string(profile.Status), agentEventData(profile)))
	return cloneProfile(profile), true, nil
}

func identical(a, b *AgentProfile) bool {
	return a.AgentName == b.AgentName &&
		a.BaseURL == b.BaseURL &&
		a.Description == b.Description &&
		a.Status == b.Status &&
		sameTags(a.Tags, b.Tags)
}

func agentEventData(p *AgentProfile) map[string]any {
	return map[string]any{
		"agent_id": p.AgentID,
		"base_url": p.BaseURL,
		"version":  p.Version,
		"tags":     p.Tags,
	}
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Lookup 查询单个智能体。
func (s *Service) Lookup(ctx context.Context, agentID string) (*AgentProfile, error) {
	return s.store.Get(ctx, strings.ToLower(strings.TrimSpace(agentID)))
}

// List 返回一页智能体，按注册时间倒序。
func (s *Service) List(ctx context.Context, opts ...ListOption) (Page, error) {
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Iterate 依次返回所有匹配的智能体，内部按游标翻页。
func (s *Service) Iterate(ctx context.Context, opts ...ListOption) iter.Seq2[*AgentProfile, error] {
	return func(yield func(*AgentProfile, error) bool) {
		base := BuildListOptions(opts...)
		cursor := base.Cursor
		offset := base.Offset
		for {
			page := base
			page.Cursor = cursor
			page.Offset = offset
			result, err := s.store.List(ctx, page)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, agent := range result.Agents {
				if !yield(agent, nil) {
					return
				}
			}
			if !result.HasMore || len(result.Agents) == 0 {
				return
			}
			last := result.Agents[len(result.Agents)-1]
			cursor = &Cursor{RegisteredAt: last.RegisteredAt, AgentID: last.AgentID}
			offset = 0
		}
	}
}

// Deactivate 将智能体标记为停用，不会删除记录。
func (s *Service) Deactivate(ctx context.Context, agentID string) (*AgentProfile, error) {
	agentID = strings.ToLower(strings.TrimSpace(agentID))
	unlock := s.locks.Lock(agentID)
	defer unlock()

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := s.store.Get(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if current.Status == StatusInactive {
			return current, nil
		}
		next := cloneProfile(current)
		next.Status = StatusInactive
		next.Version = current.Version + 1
		next.LastUpdatedAt = s.timestamp()
		err = s.store.Update(ctx, next, current.Version)
		if stdErrors.Is(err, errStaleVersion) {
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.Audit().Info("智能体已停用", slog.String("agent_id", agentID))
		s.notifier.Notify(ctx, webhook.NewEvent(webhook.EventAgentUpdated, "", string(next.Status), agentEventData(next)))
		return next, nil
	}
	return nil, errStaleVersion
}

// Close 释放存储资源。
func (s *Service) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}
