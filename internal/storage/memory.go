package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is a map-backed Store for tests and throwaway dev servers. It holds
// deep copies so callers cannot mutate stored records.
type Memory struct {
	mu        sync.RWMutex
	serial    int64
	tasks     map[string]*TaskRecord
	history   map[string]*HistoryRecord
	artifacts map[string][]ArtifactRecord // keyed by execution id
}

func NewMemory() *Memory {
	return &Memory{
		tasks:     make(map[string]*TaskRecord),
		history:   make(map[string]*HistoryRecord),
		artifacts: make(map[string][]ArtifactRecord),
	}
}

func (m *Memory) CreateTask(_ context.Context, rec *TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[rec.ID]; exists {
		return fmt.Errorf("task %s already exists", rec.ID)
	}
	m.serial++
	rec.Serial = m.serial
	cp := copyTask(rec)
	m.tasks[rec.ID] = &cp
	return nil
}

func (m *Memory) UpdateTask(_ context.Context, rec *TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[rec.ID]; !ok {
		return fmt.Errorf("task %s: %w", rec.ID, ErrNotFound)
	}
	cp := copyTask(rec)
	m.tasks[rec.ID] = &cp
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	cp := copyTask(rec)
	return &cp, nil
}

func (m *Memory) ListTasks(_ context.Context) ([]TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskRecord, 0, len(m.tasks))
	for _, rec := range m.tasks {
		out = append(out, copyTask(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *Memory) InsertHistory(_ context.Context, rec *HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyHistory(rec)
	m.history[rec.ID] = &cp
	return nil
}

func (m *Memory) GetHistory(_ context.Context, id string) (*HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.history[id]
	if !ok {
		return nil, fmt.Errorf("history %s: %w", id, ErrNotFound)
	}
	cp := copyHistory(rec)
	return &cp, nil
}

func (m *Memory) ListHistory(_ context.Context, filter HistoryFilter) ([]HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]HistoryRecord, 0, len(m.history))
	for _, rec := range m.history {
		if filter.PlaybookID != "" && rec.PlaybookID != filter.PlaybookID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, copyHistory(rec))
	}
	// Newest first, like the portal's history page.
	sort.Slice(out, func(i, j int) bool { return out[i].Serial > out[j].Serial })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []HistoryRecord{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) DeleteHistory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.history[id]; !ok {
		return fmt.Errorf("history %s: %w", id, ErrNotFound)
	}
	delete(m.history, id)
	delete(m.artifacts, id)
	return nil
}

func (m *Memory) InsertArtifacts(_ context.Context, recs []ArtifactRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.artifacts[rec.ExecutionID] = append(m.artifacts[rec.ExecutionID], rec)
	}
	return nil
}

func (m *Memory) ListArtifacts(_ context.Context, executionID string) ([]ArtifactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ArtifactRecord(nil), m.artifacts[executionID]...), nil
}

func (m *Memory) Healthy(context.Context) bool { return true }

func (m *Memory) Close() {}

func copyTask(rec *TaskRecord) TaskRecord {
	cp := *rec
	cp.Targets = append([]Target(nil), rec.Targets...)
	cp.Variables = copyMap(rec.Variables)
	return cp
}

func copyHistory(rec *HistoryRecord) HistoryRecord {
	cp := *rec
	cp.Targets = append([]Target(nil), rec.Targets...)
	cp.Variables = copyMap(rec.Variables)
	cp.Results = copyMap(rec.Results)
	return cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Store = (*Memory)(nil)
