package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/webhook"
	"agentmarket/pkg/logger"
)

// CreateRequest 描述买方发布任务的请求。
type CreateRequest struct {
	TaskID      string
	BuyerID     string
	Description string
	Context     map[string]any
	Complexity  string
}

// Service 负责任务的创建、查询与状态迁移，并在读取时执行惰性过期。
type Service struct {
	store    Store
	policy   DeadlinePolicy
	notifier webhook.Notifier
	now      func() time.Time
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithNotifier 配置事件通知。
func WithNotifier(notifier webhook.Notifier) ServiceOption {
	return func(s *Service) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

// WithClock 注入时钟，主要用于测试。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造任务服务。
func NewService(store Store, policy DeadlinePolicy, opts ...ServiceOption) *Service {
	s := &Service{store: store, policy: policy, notifier: webhook.NopNotifier{}, now: time.Now}
	if len(s.policy.Buckets) == 0 {
		s.policy = DefaultDeadlinePolicy()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Store 返回底层存储，供报价聚合器使用。
func (s *Service) Store() Store {
	return s.store
}

// Policy 返回截止时间策略。
func (s *Service) Policy() DeadlinePolicy {
	return s.policy
}

// Now 返回服务使用的当前时间。
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// Create 创建任务。携带已存在的 TaskID 时视为幂等重放，返回已有任务且 created=false。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Task, bool, error) {
	if s.store == nil {
		return nil, false, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, false, xerrors.New(CodeTaskValidation, "任务描述不能为空")
	}
	complexity, deadline, err := s.policy.Resolve(req.Complexity)
	if err != nil {
		return nil, false, err
	}

	taskID := strings.TrimSpace(req.TaskID)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, false, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, false, err
		}
	} else {
		taskID = uuid.NewString()
	}

	now := s.Now()
	task := &Task{
		ID:                  taskID,
		BuyerID:             strings.TrimSpace(req.BuyerID),
		Description:         description,
		Context:             cloneContext(req.Context),
		Complexity:          complexity,
		Status:              StatusOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
		ClaimWindowClosesAt: now.Add(s.policy.ClaimWindow),
		DeadlineAt:          now.Add(deadline),
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, false, nil
			}
			return nil, false, getErr
		}
		return nil, false, err
	}

	logger.Audit().Info("任务已发布",
		slog.String("task_id", task.ID),
		slog.String("buyer_id", task.BuyerID),
		slog.String("complexity", task.Complexity),
		slog.Time("deadline_at", task.DeadlineAt),
	)
	s.notifier.Notify(ctx, webhook.NewEvent(webhook.EventTaskCreated, task.ID, string(task.Status), map[string]any{
		"description":            task.Description,
		"complexity":             task.Complexity,
		"claim_window_closes_at": task.ClaimWindowClosesAt,
		"deadline_at":            task.DeadlineAt,
	}))
	return cloneTask(task), true, nil
}

// Get 返回任务；若任务已逾期则先完成过期迁移。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.ExpiryDue(s.Now()) {
		return task, nil
	}
	return s.expire(ctx, task)
}

// expire 执行过期迁移；竞争失败时重新读取最新状态。
func (s *Service) expire(ctx context.Context, task *Task) (*Task, error) {
	expired, err := s.store.Transition(ctx, task.ID, StatusExpired, s.Now())
	if err != nil {
		if stdErrors.Is(err, ErrInvalidTransition) {
			return s.store.Get(ctx, task.ID)
		}
		return nil, err
	}
	s.emitTransition(ctx, task.Status, expired)
	return expired, nil
}

// Transition 请求一次状态迁移，并发出 task.<status> 事件。
func (s *Service) Transition(ctx context.Context, id string, to Status) (*Task, error) {
	if !IsValidStatus(to) {
		return nil, xerrors.New(CodeTaskValidation, "未知的任务状态", xerrors.WithMetadata("status", string(to)))
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.Transition(ctx, id, to, s.Now())
	if err != nil {
		return updated, err
	}
	s.emitTransition(ctx, current.Status, updated)
	return updated, nil
}

// MarkSelected 在报价选定之后记录审计日志并发出 task.claimed 事件。
func (s *Service) MarkSelected(ctx context.Context, task *Task) {
	s.emitTransition(ctx, StatusOpen, task)
}

func (s *Service) emitTransition(ctx context.Context, from Status, task *Task) {
	logger.Audit().Info("任务状态变更",
		slog.String("task_id", task.ID),
		slog.String("from", string(from)),
		slog.String("to", string(task.Status)),
	)
	data := map[string]any{"previous_status": string(from)}
	if task.SelectedSellerID != "" {
		data["selected_seller_id"] = task.SelectedSellerID
		data["selected_claim_id"] = task.SelectedClaimID
	}
	s.notifier.Notify(ctx, webhook.NewEvent(webhook.TaskEventType(string(task.Status)), task.ID, string(task.Status), data))
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// ExpireOverdue 过期一批逾期任务，返回实际过期的数量。
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	due, err := s.store.Overdue(ctx, s.Now(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, task := range due {
		updated, err := s.expire(ctx, task)
		if err != nil {
			logger.L().Warn("过期任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
			continue
		}
		if updated.Status == StatusExpired {
			expired++
		}
	}
	return expired, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
