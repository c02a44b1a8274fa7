// Package cache provides the TTL key-value cache boundary used by the
// domain pack loader. Keys follow the pattern pack:<pack_id>:<component>:<version>.
package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache is the external key-value cache boundary with TTL semantics
type Cache interface {
	// Get returns the cached value and whether it was present and unexpired
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a value with a time-to-live
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeletePattern removes every key matching a glob pattern ("pack:acme:*")
	DeletePattern(ctx context.Context, pattern string) error
}

// Memory is an in-process Cache used for tests and single-node deployments
type Memory struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates an in-process TTL cache
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		logger:  logger,
		entries: make(map[string]memoryEntry),
	}
}

// Get implements Cache
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set implements Cache
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

// DeletePattern implements Cache
func (m *Memory) DeletePattern(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		if matched, _ := path.Match(pattern, key); matched {
			delete(m.entries, key)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("Cache entries invalidated",
			zap.String("pattern", pattern),
			zap.Int("removed", removed))
	}
	return nil
}

// Len returns the number of live entries (for tests and health snapshots)
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
