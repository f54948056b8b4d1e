package store

import (
	"sync"

	"txguard/pkg/models"
)

// MemoryStore 纯内存存储，用于测试和不需要持久化的部署
type MemoryStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
	events   []*models.AuditEvent

	// FailWith 非空时所有提交都返回该错误
	FailWith error
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load 返回已提交状态的副本
func (s *MemoryStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot == nil {
		return nil, nil
	}

	snap := &Snapshot{
		State:   s.snapshot.State.Clone(),
		Entries: make(map[uint64]*models.Entry, len(s.snapshot.Entries)),
		Alerts:  make(map[uint64][]*models.Alert, len(s.snapshot.Alerts)),
	}
	for id, entry := range s.snapshot.Entries {
		snap.Entries[id] = entry.Clone()
	}
	for id, alerts := range s.snapshot.Alerts {
		for _, alert := range alerts {
			snap.Alerts[id] = append(snap.Alerts[id], alert.Clone())
		}
	}
	return snap, nil
}

// Commit 应用变更
func (s *MemoryStore) Commit(m *Mutation) error {
	if m == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}

	if s.snapshot == nil {
		s.snapshot = &Snapshot{
			Entries: make(map[uint64]*models.Entry),
			Alerts:  make(map[uint64][]*models.Alert),
		}
	}
	if m.State != nil {
		s.snapshot.State = m.State.Clone()
	}
	if m.PutEntry != nil {
		s.snapshot.Entries[m.PutEntry.ID] = m.PutEntry.Clone()
	}
	if m.DeleteEntry != 0 {
		delete(s.snapshot.Entries, m.DeleteEntry)
	}
	if m.Alert != nil {
		s.snapshot.Alerts[m.Alert.EntryID] = append(s.snapshot.Alerts[m.Alert.EntryID], m.Alert.Clone())
	}
	s.events = append(s.events, m.Events...)
	return nil
}

// Events 返回已提交的审计事件
func (s *MemoryStore) Events() ([]*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.AuditEvent(nil), s.events...), nil
}

// Close 内存存储无需关闭
func (s *MemoryStore) Close() error {
	return nil
}
