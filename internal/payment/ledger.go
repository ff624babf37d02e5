package payment

import (
	"context"
	"sync"
	"time"

	xerrors "agentmarket/internal/errors"
)

// EntryState 是账本条目的状态。
type EntryState string

const (
	StateReserved EntryState = "reserved"
	StateConsumed EntryState = "consumed"
)

// Entry 是账本中的一条记录。只保存指纹与任务，不保存签名或授权内容。
type Entry struct {
	Fingerprint string
	TaskID      string
	State       EntryState
	ReservedAt  time.Time
	ConsumedAt  time.Time
}

// Ledger 以原子方式记录凭证指纹，保证同一凭证至多被消费一次。
type Ledger interface {
	// Reserve 预占指纹。已存在时返回带 owner_task_id 元数据的 ErrAlreadyConsumed；
	// 超过 ttl 的预占视为崩溃遗留，可以被接管。
	Reserve(ctx context.Context, fingerprint, taskID string, now time.Time, ttl time.Duration) error
	// Commit 将自己持有的预占标记为已消费。
	Commit(ctx context.Context, fingerprint, taskID string, now time.Time) error
	// Release 释放自己持有的预占，已消费的条目不受影响。
	Release(ctx context.Context, fingerprint, taskID string) error
	// Lookup 查询指纹，不存在时返回 nil。
	Lookup(ctx context.Context, fingerprint string) (*Entry, error)
}

func alreadyConsumed(owner string) error {
	if owner == "" {
		return ErrAlreadyConsumed
	}
	return ErrAlreadyConsumed.With(xerrors.WithMetadata("owner_task_id", owner))
}

var errReservationLost = xerrors.New(xerrors.CodeConflict, "支付预占已失效")

// MemoryLedger 是单进程账本。
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

// Reserve 实现 Ledger。
func (l *MemoryLedger) Reserve(_ context.Context, fingerprint, taskID string, now time.Time, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.entries[fingerprint]; ok {
		stale := existing.State == StateReserved && ttl > 0 && now.Sub(existing.ReservedAt) >= ttl
		if !stale {
			return alreadyConsumed(existing.TaskID)
		}
	}
	l.entries[fingerprint] = Entry{Fingerprint: fingerprint, TaskID: taskID, State: StateReserved, ReservedAt: now}
	return nil
}

// Commit 实现 Ledger。
func (l *MemoryLedger) Commit(_ context.Context, fingerprint, taskID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[fingerprint]
	if !ok || entry.TaskID != taskID || entry.State != StateReserved {
		return errReservationLost
	}
	entry.State = StateConsumed
	entry.ConsumedAt = now
	l.entries[fingerprint] = entry
	return nil
}

// Release 实现 Ledger。
func (l *MemoryLedger) Release(_ context.Context, fingerprint, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[fingerprint]
	if ok && entry.TaskID == taskID && entry.State == StateReserved {
		delete(l.entries, fingerprint)
	}
	return nil
}

// Lookup 实现 Ledger。
func (l *MemoryLedger) Lookup(_ context.Context, fingerprint string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

var _ Ledger = (*MemoryLedger)(nil)
