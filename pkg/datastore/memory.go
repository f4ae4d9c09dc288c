package datastore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory provides an in-memory SnapshotStore for tests. It mirrors the
// SQLite store's behavior and can be told to fail saves.
type Memory struct {
	mu        sync.RWMutex
	now       func() time.Time
	snapshots map[string]memorySnapshot
	saveErr   error
	saves     int
}

type memorySnapshot struct {
	data      []byte
	updatedAt time.Time
}

var _ SnapshotStore = (*Memory)(nil)

// NewMemory creates a Memory store using time.Now().UTC().
func NewMemory() *Memory {
	return &Memory{
		now:       func() time.Time { return time.Now().UTC() },
		snapshots: make(map[string]memorySnapshot),
	}
}

// FailSaves makes every later SaveSnapshot return err. Pass nil to recover.
func (m *Memory) FailSaves(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

// Saves returns the number of successful SaveSnapshot calls.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *Memory) SaveSnapshot(_ context.Context, name string, data []byte) error {
	if name == "" {
		return ErrSnapshotNameEmpty
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snapshots[name] = memorySnapshot{
		data:      append([]byte{}, data...),
		updatedAt: m.now().Truncate(time.Second),
	}
	m.saves++
	return nil
}

func (m *Memory) LoadSnapshot(_ context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, ErrSnapshotNameEmpty
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[name]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, snap.data...), nil
}

func (m *Memory) ListSnapshots(_ context.Context) ([]SnapshotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]SnapshotInfo, 0, len(m.snapshots))
	for name, snap := range m.snapshots {
		infos = append(infos, SnapshotInfo{Name: name, Size: len(snap.data), UpdatedAt: snap.updatedAt})
	}
	slices.SortFunc(infos, func(a, b SnapshotInfo) int { return strings.Compare(a.Name, b.Name) })
	return infos, nil
}

func (m *Memory) Close() error {
	return nil
}
