package storage

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

type MemoryStorage struct {
	mu     sync.RWMutex
	data   map[string]string
	writes atomic.Int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[string]string),
	}
}

func (m *MemoryStorage) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *MemoryStorage) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	m.writes.Inc()
	return nil
}

func (m *MemoryStorage) Apply(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Conditions are checked against the store plus earlier ops of the same batch.
	pending := make(map[string]struct{}, batch.Len())
	for _, op := range batch.Ops() {
		if op.Kind == OpSetIfAbsent {
			if _, exists := m.data[op.Key]; exists {
				return ErrKeyExists
			}
			if _, exists := pending[op.Key]; exists {
				return ErrKeyExists
			}
		}
		pending[op.Key] = struct{}{}
	}

	for _, op := range batch.Ops() {
		m.data[op.Key] = op.Value
		m.writes.Inc()
	}
	return nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStorage) Close() error {
	return nil
}

// Writes is the number of keys written since creation.
func (m *MemoryStorage) Writes() int64 {
	return m.writes.Load()
}

func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Snapshot returns a copy of the stored data.
func (m *MemoryStorage) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]string, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	return snapshot
}
