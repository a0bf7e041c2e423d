package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value      string
	expiration time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// Used as the volatile (per-tab) store, where an optional idle TTL stands in for
// "cleared when the browsing context closes", and as the durable store in tests and
// single-instance deployments. State is lost on restart and is not shared between
// instances; use Redis for durable data in production.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
	stopCh  chan struct{}
	closed  bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithTTL expires entries that have not been written for d. Zero disables expiry.
func WithTTL(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.ttl = d
	}
}

// WithClock replaces time.Now, for deterministic tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired entries.
// A background goroutine runs every minute to remove expired entries.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()
	return m
}

func (m *Memory) expired(e *memoryEntry, now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// Get returns the value for key. Expired entries read as absent.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, fmt.Errorf("memory get: %w", ErrUnavailable)
	}
	entry, exists := m.entries[key]
	if !exists || m.expired(entry, m.now()) {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set writes value under key and refreshes its TTL.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("memory set: %w", ErrUnavailable)
	}
	entry := &memoryEntry{value: value}
	if m.ttl > 0 {
		entry.expiration = m.now().Add(m.ttl)
	}
	m.entries[key] = entry
	return nil
}

// Increment adds one to the integer under key and refreshes its TTL.
func (m *Memory) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, fmt.Errorf("memory increment: %w", ErrUnavailable)
	}
	var n int64
	if entry, exists := m.entries[key]; exists && !m.expired(entry, m.now()) {
		cur, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("memory increment %s: %w", key, ErrNotInteger)
		}
		n = cur
	}
	n++

	entry := &memoryEntry{value: strconv.FormatInt(n, 10)}
	if m.ttl > 0 {
		entry.expiration = m.now().Add(m.ttl)
	}
	m.entries[key] = entry
	return n, nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Keys returns the live keys with the given prefix.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("memory keys: %w", ErrUnavailable)
	}
	now := m.now()
	var keys []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !m.expired(e, now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Probe writes and deletes a sentinel key.
func (m *Memory) Probe(ctx context.Context) error {
	if err := m.Set(ctx, probeKey, "1"); err != nil {
		return err
	}
	return m.Delete(ctx, probeKey)
}

// Close stops the background cleanup goroutine and releases resources.
// Subsequent reads and writes fail with ErrUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.entries = nil
	return nil
}

// runCleanup executes a single cleanup cycle, removing all expired entries.
func (m *Memory) runCleanup() {
	now := m.now()
	var expiredKeys []string

	m.mu.RLock()
	for key, entry := range m.entries {
		if m.expired(entry, now) {
			expiredKeys = append(expiredKeys, key)
		}
	}
	m.mu.RUnlock()

	if len(expiredKeys) > 0 {
		m.mu.Lock()
		now := m.now()
		for _, key := range expiredKeys {
			if entry, exists := m.entries[key]; exists && m.expired(entry, now) {
				delete(m.entries, key)
			}
		}
		m.mu.Unlock()
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
