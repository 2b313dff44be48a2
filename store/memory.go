package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kardianos/gokdc/krb5"
)

// Memory is a Backend held in a map.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

func (m *Memory) Get(ctx context.Context, principal krb5.PrincipalName, realm string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[Key(principal, realm)]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *Memory) Put(ctx context.Context, e *Entry) error {
	if err := e.Principal.Validate(); err != nil {
		return &BackendError{Op: "put", Principal: e.Key(), Err: err}
	}
	c := e.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[c.Key()] = c
	return nil
}

func (m *Memory) Delete(ctx context.Context, principal krb5.PrincipalName, realm string) error {
	key := Key(principal, realm)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return ErrNotFound
	}
	delete(m.entries, key)
	return nil
}

func (m *Memory) List(ctx context.Context, start, end string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for key, e := range m.entries {
		if inRange(key, start, end) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
