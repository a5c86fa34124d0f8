package statestore

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process StateStore backed by a map, grounded on the
// teacher's internal/objects memory backend shape. Suitable for tests and
// single-box deployments that don't need durability across restarts.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Upsert(_ context.Context, collection, key string, doc json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[collection]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		m.data[collection] = bucket
	}
	cp := make(json.RawMessage, len(doc))
	copy(cp, doc)
	bucket[key] = cp
	return nil
}

func (m *Memory) GetAll(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.data[collection]
	out := make(map[string]json.RawMessage, len(bucket))
	for k, v := range bucket {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bucket, ok := m.data[collection]; ok {
		delete(bucket, key)
	}
	return nil
}

var _ StateStore = (*Memory)(nil)
