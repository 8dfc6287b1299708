package cache

import (
	"context"
	"sync"
	"time"

	xerrors "IntegraFlow/internal/errors"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // 零值表示永不过期
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore 以内存方式保存缓存条目，并发读写安全。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get 实现 Store 接口。过期条目视作未命中并顺带回收。
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "缓存键不能为空")
	}
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if entry.expired(m.now()) {
		m.mu.Lock()
		// 其他 goroutine 可能已经覆写了同一个键，仅在仍过期时删除。
		if current, ok := m.entries[key]; ok && current.expired(m.now()) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

// Put 实现 Store 接口，写入采用按键覆盖（last-writer-wins）语义。
func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缓存键不能为空")
	}
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

// Invalidate 删除指定条目。
func (m *MemoryStore) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Sweep 回收所有已过期条目。
func (m *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	reclaimed := 0
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			reclaimed++
		}
	}
	return reclaimed, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// Len 返回当前条目数，仅测试使用。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
