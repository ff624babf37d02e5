package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 将注册信息保存在进程内存中。
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*AgentProfile
	byURL map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*AgentProfile), byURL: make(map[string]string)}
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, agentID string) (*AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.byID[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneProfile(profile), nil
}

// GetByBaseURL 实现 Store 接口。
func (m *MemoryStore) GetByBaseURL(_ context.Context, baseURL string) (*AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byURL[baseURL]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneProfile(m.byID[id]), nil
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, profile *AgentProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[profile.AgentID]; exists {
		return ErrAlreadyRegistered
	}
	if _, taken := m.byURL[profile.BaseURL]; taken {
		return ErrAlreadyRegistered
	}
	m.byID[profile.AgentID] = cloneProfile(profile)
	m.byURL[profile.BaseURL] = profile.AgentID
	return nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, profile *AgentProfile, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.byID[profile.AgentID]
	if !ok {
		return ErrAgentNotFound
	}
	if current.Version != expectedVersion {
		return errStaleVersion
	}
	if owner, taken := m.byURL[profile.BaseURL]; taken && owner != profile.AgentID {
		return ErrAlreadyRegistered
	}
	if current.BaseURL != profile.BaseURL {
		delete(m.byURL, current.BaseURL)
	}
	m.byID[profile.AgentID] = cloneProfile(profile)
	m.byURL[profile.BaseURL] = profile.AgentID
	return nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) (Page, error) {
	opts.applyDefaults()
	m.mu.RLock()
	rows := make([]*AgentProfile, 0, len(m.byID))
	for _, profile := range m.byID {
		if opts.matches(profile) {
			rows = append(rows, cloneProfile(profile))
		}
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if ta, tb := a.RegisteredAt.UnixMilli(), b.RegisteredAt.UnixMilli(); ta != tb {
			return ta > tb
		}
		return a.AgentID > b.AgentID
	})
	if opts.Offset >= len(rows) {
		return newPage(nil, opts.Limit), nil
	}
	rows = rows[opts.Offset:]
	if len(rows) > opts.Limit+1 {
		rows = rows[:opts.Limit+1]
	}
	return newPage(rows, opts.Limit), nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
