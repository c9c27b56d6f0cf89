package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is the authoritative reference adapter: mutex-guarded maps, one
// namespace per collection. Query order is insertion order; overwriting a
// key keeps its original position.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	closed      bool
}

type memCollection struct {
	values map[string]json.RawMessage
	order  []string
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(ctx context.Context, collection, key string, opts Options) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	col, ok := m.collections[collection]
	if !ok {
		return nil, nil
	}
	value, ok := col.values[key]
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (m *Memory) Set(ctx context.Context, collection, key string, value json.RawMessage, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	col, ok := m.collections[collection]
	if !ok {
		col = &memCollection{values: make(map[string]json.RawMessage)}
		m.collections[collection] = col
	}
	if _, exists := col.values[key]; !exists {
		col.order = append(col.order, key)
	}
	// Stored values are immutable; keep a private copy.
	col.values[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, key string, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	col, ok := m.collections[collection]
	if !ok {
		return nil
	}
	if _, exists := col.values[key]; !exists {
		return nil
	}
	delete(col.values, key)
	for i, k := range col.order {
		if k == key {
			col.order = append(col.order[:i], col.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, filter map[string]any, opts Options) ([]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	col, ok := m.collections[collection]
	if !ok {
		return []map[string]any{}, nil
	}
	results := make([]map[string]any, 0, len(col.order))
	for _, key := range col.order {
		if row, ok := matchQuery(key, col.values[key], filter); ok {
			results = append(results, row)
		}
	}
	return results, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.collections = nil
	return nil
}
