package claim

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/task"
	"agentmarket/pkg/logger"
)

// Aggregator 接收卖方报价并完成选定。并发与唯一性由任务存储保证。
type Aggregator struct {
	tasks    *task.Service
	fallback Policy
}

// Option 定义 Aggregator 的可选配置。
type Option func(*Aggregator)

// WithDefaultPolicy 指定未显式传入策略时使用的策略。
func WithDefaultPolicy(policy Policy) Option {
	return func(a *Aggregator) {
		if policy != nil {
			a.fallback = policy
		}
	}
}

// NewAggregator 创建报价聚合器。
func NewAggregator(tasks *task.Service, opts ...Option) *Aggregator {
	a := &Aggregator{tasks: tasks, fallback: FirstArrival{}}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// SubmitClaim 记录一份报价。任务不处于 open 或报价窗口已关闭时返回 ErrTaskNotOpen。
func (a *Aggregator) SubmitClaim(ctx context.Context, taskID, sellerID string, terms task.Terms) (*task.Claim, error) {
	sellerID = strings.TrimSpace(sellerID)
	if sellerID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "seller_id 不能为空")
	}
	current, err := a.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := a.tasks.Now()
	if !current.AcceptingClaims(now) {
		return nil, task.ErrTaskNotOpen.With(xerrors.WithMetadata("status", string(current.Status)))
	}

	stored, err := a.tasks.Store().AddClaim(ctx, &task.Claim{
		ID:          uuid.NewString(),
		TaskID:      current.ID,
		SellerID:    sellerID,
		Terms:       terms,
		SubmittedAt: now,
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("收到报价",
		slog.String("task_id", stored.TaskID),
		slog.String("claim_id", stored.ID),
		slog.String("seller_id", stored.SellerID),
		slog.Int64("seq", stored.Seq),
	)
	return stored, nil
}

// Claims 返回任务的全部报价。
func (a *Aggregator) Claims(ctx context.Context, taskID string) ([]*task.Claim, error) {
	if _, err := a.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return a.tasks.Store().Claims(ctx, taskID)
}

// SelectClaim 按策略选定报价并关闭任务的报价窗口。重复调用返回 ErrClaimAlreadySelected，首次结果保持不变。
func (a *Aggregator) SelectClaim(ctx context.Context, taskID string, policy Policy) (*task.Claim, error) {
	if policy == nil {
		policy = a.fallback
	}
	current, err := a.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.SelectedClaimID != "" {
		return nil, task.ErrClaimAlreadySelected.With(xerrors.WithMetadata("claim_id", current.SelectedClaimID))
	}
	if !current.AcceptingClaims(a.tasks.Now()) {
		return nil, task.ErrTaskNotOpen.With(xerrors.WithMetadata("status", string(current.Status)))
	}

	claims, err := a.tasks.Store().Claims(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return nil, task.ErrNoClaims
	}
	best, err := policy.SelectBest(claims)
	if err != nil {
		return nil, err
	}

	selected, err := a.tasks.Store().SelectClaim(ctx, taskID, best.ID, a.tasks.Now())
	if err != nil {
		return nil, err
	}
	a.tasks.MarkSelected(ctx, selected)
	logger.Audit().Info("报价已选定",
		slog.String("task_id", taskID),
		slog.String("claim_id", best.ID),
		slog.String("seller_id", best.SellerID),
		slog.String("policy", policy.Name()),
	)
	return best, nil
}
