// Package keylock 提供按键粒度的互斥锁，不同键之间互不阻塞。
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table 维护按键分配的互斥锁，空闲条目会被回收。
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New 创建 Table。
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock 获取 key 对应的锁，返回的函数用于释放。
func (t *Table) Lock(key string) (unlock func()) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}

// Len 返回当前持有或等待中的键数量。
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
