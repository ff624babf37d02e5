package execution

import (
	"context"
	"time"
)

// Store 持久化执行记录。Complete 只在记录仍为 in_progress 时生效。
//
// 受理分两步：先以 Create 插入未绑定支付的占位记录独占任务 ID，
// 支付成功后 Bind 写入付款方与凭证指纹，支付失败则 Discard 删除占位。
type Store interface {
	Create(ctx context.Context, rec *Record) error
	// Bind 为仍未绑定支付且摘要匹配的占位记录写入支付信息，否则返回 errHoldLost。
	Bind(ctx context.Context, taskID, secretDigest, payer, fingerprint string) error
	// Discard 删除仍未绑定支付且摘要匹配的占位记录，否则返回 errHoldLost。
	Discard(ctx context.Context, taskID, secretDigest string) error
	Get(ctx context.Context, taskID string) (*Record, error)
	// Complete 将记录迁移到终态。记录已是终态时返回当前记录与 errAlreadyTerminal。
	Complete(ctx context.Context, taskID string, outcome Outcome, at time.Time) (*Record, error)
	// Overdue 返回已绑定支付、超过截止时间但仍在执行中的记录。
	Overdue(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	Close() error
}
