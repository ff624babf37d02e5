package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "agentmarket/internal/errors"
)

// MemoryStore 以内存保存执行记录。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 实现 Store。
func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	if rec == nil || rec.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录缺少任务 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.TaskID]; ok {
		return ErrRecordExists
	}
	m.records[rec.TaskID] = cloneRecord(rec)
	return nil
}

// Get 实现 Store。
func (m *MemoryStore) Get(_ context.Context, taskID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[taskID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

// Bind 实现 Store。
func (m *MemoryStore) Bind(_ context.Context, taskID, secretDigest, payer, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[taskID]
	if !ok || rec.SecretDigest != secretDigest || rec.PaymentFingerprint != "" {
		return errHoldLost
	}
	next := cloneRecord(rec)
	next.Payer = payer
	next.PaymentFingerprint = fingerprint
	m.records[taskID] = next
	return nil
}

// Discard 实现 Store。
func (m *MemoryStore) Discard(_ context.Context, taskID, secretDigest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[taskID]
	if !ok || rec.SecretDigest != secretDigest || rec.PaymentFingerprint != "" {
		return errHoldLost
	}
	delete(m.records, taskID)
	return nil
}

// Complete 实现 Store。
func (m *MemoryStore) Complete(_ context.Context, taskID string, outcome Outcome, at time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[taskID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if rec.Status.Terminal() {
		return cloneRecord(rec), errAlreadyTerminal
	}
	next := cloneRecord(rec)
	outcome.apply(next, at)
	m.records[taskID] = next
	return cloneRecord(next), nil
}

// Overdue 实现 Store。
func (m *MemoryStore) Overdue(_ context.Context, now time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*Record
	for _, rec := range m.records {
		if rec.Status == StatusInProgress && rec.PaymentFingerprint != "" && now.After(rec.DeadlineAt) {
			due = append(due, cloneRecord(rec))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DeadlineAt.Before(due[j].DeadlineAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
