package registry

import (
	"context"
)

// Store 持久化智能体记录，并保证 agent_id 与 base_url 的唯一性。
type Store interface {
	// Get 按 agent_id 查询，不存在返回 ErrAgentNotFound。
	Get(ctx context.Context, agentID string) (*AgentProfile, error)
	// GetByBaseURL 按 base_url 查询，不存在返回 ErrAgentNotFound。
	GetByBaseURL(ctx context.Context, baseURL string) (*AgentProfile, error)
	// Create 插入新记录，任一唯一键冲突返回 ErrAlreadyRegistered。
	Create(ctx context.Context, profile *AgentProfile) error
	// Update 以 expectedVersion 为条件覆盖记录。版本不符返回 errStaleVersion，
	// base_url 被其它智能体占用返回 ErrAlreadyRegistered。
	Update(ctx context.Context, profile *AgentProfile, expectedVersion int64) error
	// List 按 registered_at、agent_id 倒序返回一页记录。
	List(ctx context.Context, opts ListOptions) (Page, error)
	Close() error
}
