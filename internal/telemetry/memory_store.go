package telemetry

import (
	"context"
	"sync"
	"time"

	xerrors "IntegraFlow/internal/errors"
)

// MemoryStore 以内存方式保存运行记录，主要用于测试与进程内试运行。
type MemoryStore struct {
	mu      sync.RWMutex
	records []RunRecord
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record 实现 Store 接口。
func (m *MemoryStore) Record(_ context.Context, rec *RunRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	m.records = append(m.records, *rec)
	m.mu.Unlock()
	return nil
}

// Query 在内存后端不可用：没有 SQL 引擎可以执行绑定查询。
func (m *MemoryStore) Query(context.Context, string, ...any) ([]Row, error) {
	return nil, xerrors.New(xerrors.CodeInvalidArgument, "内存遥测后端不支持自由查询")
}

// Report 实现 Store 接口。
func (m *MemoryStore) Report(_ context.Context, period string) (*Report, error) {
	start, end, err := periodRange(period)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	var matched []RunRecord
	for _, rec := range m.records {
		if !rec.StartedAt.Before(start) && rec.StartedAt.Before(end) {
			matched = append(matched, rec)
		}
	}
	m.mu.RUnlock()
	return aggregate(period, matched), nil
}

// LastRun 实现 Store 接口。
func (m *MemoryStore) LastRun(_ context.Context, integrationName string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest time.Time
	found := false
	for _, rec := range m.records {
		if rec.IntegrationName == integrationName && rec.EndedAt.After(latest) {
			latest = rec.EndedAt
			found = true
		}
	}
	return latest, found, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// Records 返回全部记录的副本，仅测试使用。
func (m *MemoryStore) Records() []RunRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RunRecord, len(m.records))
	copy(out, m.records)
	return out
}
