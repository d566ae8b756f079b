package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryKV is an in-process KV with the same atomicity semantics as the redis
// adapter. It backs the unit tests and single-node development setups.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memoryEntry)}
}

// live returns the entry if present and unexpired, pruning expired keys.
func (m *MemoryKV) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *MemoryKV) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return true, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return nil
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) DecrementIfPositive(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counter(key)
	if n <= 0 {
		return false, nil
	}
	m.setCounter(key, n-1)
	return true, nil
}

func (m *MemoryKV) IncrementCapped(_ context.Context, key string, cap int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counter(key)
	if n < cap {
		n++
	}
	m.entries[key] = memoryEntry{value: []byte(strconv.FormatInt(n, 10)), expiresAt: expiry(ttl)}
	return n, nil
}

// counter reads the integer at key, treating absence as zero. Callers hold mu.
func (m *MemoryKV) counter(key string) int64 {
	e, ok := m.live(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// setCounter rewrites the integer preserving the existing expiry. Callers hold mu.
func (m *MemoryKV) setCounter(key string, n int64) {
	e := m.entries[key]
	e.value = []byte(strconv.FormatInt(n, 10))
	m.entries[key] = e
}
