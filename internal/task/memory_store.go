package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/keylock"
)

// MemoryStore 以内存方式保存任务与报价。
// 每个任务的读改写由 keylock 串行化，map 锁只在替换条目时短暂持有。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	locks   *keylock.Table
}

// memoryEntry 一经写入即不再修改，变更时整体替换。
type memoryEntry struct {
	task    *Task
	claims  []*Claim
	nextSeq int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), locks: keylock.New()}
}

func (m *MemoryStore) load(id string) (*memoryEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	return entry, ok
}

func (m *MemoryStore) store(id string, entry *memoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = entry
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[task.ID]; ok {
		return ErrTaskConflict
	}
	m.entries[task.ID] = &memoryEntry{task: cloneTask(task), nextSeq: 1}
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	entry, ok := m.load(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(entry.task), nil
}

// Transition 实现 Store 接口。
func (m *MemoryStore) Transition(_ context.Context, id string, to Status, at time.Time) (*Task, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	entry, ok := m.load(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !CanTransition(entry.task.Status, to) {
		return cloneTask(entry.task), invalidTransition(entry.task.Status, to)
	}
	next := cloneTask(entry.task)
	next.Status = to
	next.UpdatedAt = at.UTC()

	claims := entry.claims
	if to.Terminal() {
		claims = nil
	}
	m.store(id, &memoryEntry{task: next, claims: claims, nextSeq: entry.nextSeq})
	return cloneTask(next), nil
}

// AddClaim 实现 Store 接口。
func (m *MemoryStore) AddClaim(_ context.Context, claim *Claim) (*Claim, error) {
	if claim == nil || claim.TaskID == "" || claim.SellerID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "报价缺少任务或卖方")
	}
	unlock := m.locks.Lock(claim.TaskID)
	defer unlock()

	entry, ok := m.load(claim.TaskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !entry.task.AcceptingClaims(claim.SubmittedAt) {
		return nil, ErrTaskNotOpen
	}
	for _, existing := range entry.claims {
		if existing.SellerID == claim.SellerID {
			return nil, ErrDuplicateClaim
		}
	}

	stored := cloneClaim(claim)
	stored.SubmittedAt = claim.SubmittedAt.UTC()
	stored.Seq = entry.nextSeq
	claims := make([]*Claim, 0, len(entry.claims)+1)
	claims = append(claims, entry.claims...)
	claims = append(claims, stored)
	m.store(claim.TaskID, &memoryEntry{task: entry.task, claims: claims, nextSeq: entry.nextSeq + 1})
	return cloneClaim(stored), nil
}

// Claims 按到达顺序返回任务的报价。
func (m *MemoryStore) Claims(_ context.Context, taskID string) ([]*Claim, error) {
	entry, ok := m.load(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	claims := make([]*Claim, 0, len(entry.claims))
	for _, claim := range entry.claims {
		claims = append(claims, cloneClaim(claim))
	}
	return claims, nil
}

// SelectClaim 实现 Store 接口。
func (m *MemoryStore) SelectClaim(_ context.Context, taskID, claimID string, at time.Time) (*Task, error) {
	unlock := m.locks.Lock(taskID)
	defer unlock()

	entry, ok := m.load(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	if entry.task.SelectedClaimID != "" {
		return cloneTask(entry.task), ErrClaimAlreadySelected
	}
	if !entry.task.AcceptingClaims(at) {
		return cloneTask(entry.task), ErrTaskNotOpen
	}
	var selected *Claim
	for _, claim := range entry.claims {
		if claim.ID == claimID {
			selected = claim
			break
		}
	}
	if selected == nil {
		return nil, ErrClaimNotFound
	}

	next := cloneTask(entry.task)
	next.Status = StatusClaimed
	next.SelectedClaimID = selected.ID
	next.SelectedSellerID = selected.SellerID
	next.UpdatedAt = at.UTC()
	m.store(taskID, &memoryEntry{task: next, claims: entry.claims, nextSeq: entry.nextSeq})
	return cloneTask(next), nil
}

func (m *MemoryStore) snapshot() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]*Task, 0, len(m.entries))
	for _, entry := range m.entries {
		tasks = append(tasks, entry.task)
	}
	return tasks
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	results := make([]*Task, 0)
	for _, task := range m.snapshot() {
		if opts.matches(task) {
			results = append(results, cloneTask(task))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			if opts.Order == SortByUpdatedAsc {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if opts.Order == SortByUpdatedAsc {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Overdue 返回在 now 时刻应当过期的非终态任务。
func (m *MemoryStore) Overdue(_ context.Context, now time.Time, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var due []*Task
	for _, task := range m.snapshot() {
		if task.ExpiryDue(now) {
			due = append(due, cloneTask(task))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UpdatedAt.Before(due[j].UpdatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	stats := TaskStats{}
	for _, task := range m.snapshot() {
		if opts.matches(task) {
			stats.add(task)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
