package durable

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. It backs the "memory" storage backend and
// unit tests; contents are lost on restart.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.docs[p]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, path string, value []byte) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[p] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.docs {
		if k == p || under(k, p) {
			delete(m.docs, k)
		}
	}
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	p, err := Clean(prefix)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []string
	for k := range m.docs {
		if under(k, p) {
			out = append(out, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

var (
	_ Store  = (*Memory)(nil)
	_ Pinger = (*Memory)(nil)
)
