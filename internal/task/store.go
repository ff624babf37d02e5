package task

import (
	"context"
	"time"
)

// Store 抽象了任务与报价的持久化接口。所有状态变更都是原子的条件更新。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Transition 仅在 CanTransition(当前状态, to) 成立时更新状态；进入终态时清除报价。
	Transition(ctx context.Context, id string, to Status, at time.Time) (*Task, error)
	// AddClaim 在任务仍处于报价窗口时追加报价，并分配到达序号。
	AddClaim(ctx context.Context, claim *Claim) (*Claim, error)
	Claims(ctx context.Context, taskID string) ([]*Claim, error)
	// SelectClaim 选定报价并把任务迁移到 claimed。
	SelectClaim(ctx context.Context, taskID, claimID string, at time.Time) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Overdue(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
