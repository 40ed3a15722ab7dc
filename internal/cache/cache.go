package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Fingerprint derives a stable cache key from SQL text: whitespace runs are
// collapsed, the text is trimmed, and a single trailing semicolon is
// dropped. The key is the hex SHA-256 of the normalized text, so it is safe
// to use directly in any backend.
func Fingerprint(sql string) string {
	normalized := strings.Join(strings.Fields(sql), " ")
	normalized = strings.TrimSuffix(normalized, ";")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Store is a byte-value cache keyed by query fingerprint. Implementations
// must be safe for concurrent use. Get misses (including expired entries)
// return ok=false; Set failures are silently dropped — the cache is an
// optimization, never a correctness dependency.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Close() error
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store with TTL expiry and LRU eviction.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used
	maxEntries int
}

// NewMemory creates a Memory store holding at most maxEntries entries.
// Panics if maxEntries <= 0.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		panic("cache: max entries must be > 0")
	}
	return &Memory{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
	}
}

// Get returns the cached value for key, or ok=false on miss or expiry.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		m.lru.Remove(elem)
		delete(m.entries, key)
		return nil, false
	}
	m.lru.MoveToFront(elem)
	return entry.value, true
}

// Set stores value under key for ttl, evicting the least recently used
// entry when full.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		m.lru.MoveToFront(elem)
		return
	}

	for m.lru.Len() >= m.maxEntries {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.lru.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}

	elem := m.lru.PushFront(&memoryEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	m.entries[key] = elem
}

// Close is a no-op for the memory store.
func (m *Memory) Close() error {
	return nil
}

// Len returns the current number of entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}
