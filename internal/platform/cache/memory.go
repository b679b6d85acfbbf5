package cache

import (
	"context"
	"sync"
)

// DefaultMaxEntries bounds the memory cache.
const DefaultMaxEntries = 10000

// Memory is a process-local Cache.
type Memory struct {
	mu      sync.Mutex
	seq     uint64
	stamps  map[string]uint64
	entries map[string]entry
	max     int
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		stamps:  make(map[string]uint64),
		entries: make(map[string]entry),
		max:     maxEntries,
	}
}

func (m *Memory) Seq(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.fresh(e) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (m *Memory) fresh(e entry) bool {
	for _, uid := range e.Deps {
		if m.stamps[uid] > e.Since {
			return false
		}
	}
	return true
}

func (m *Memory) Put(_ context.Context, key string, since uint64, deps []string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{Since: since, Deps: append([]string(nil), deps...), Value: value}
	if !m.fresh(e) {
		return nil
	}
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.max {
		for k := range m.entries {
			delete(m.entries, k)
			break
		}
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Invalidate(_ context.Context, uids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	for _, uid := range uids {
		m.stamps[uid] = m.seq
	}
	return nil
}

// Len reports the number of stored entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
