package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/valentin-gosselin/pretix-sortir/internal/clock"
)

type memEntry struct {
	value     string
	counter   int64
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// Memory is an in-process Store with clock-driven expiry. Expired entries
// are dropped lazily on access.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memEntry
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:   clk,
		entries: make(map[string]memEntry),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if entry.expired(m.clock.Now()) {
		delete(m.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.clock.Now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	entry, ok := m.entries[key]
	if !ok || entry.expired(now) {
		entry = memEntry{}
		if ttl > 0 {
			entry.expiresAt = now.Add(ttl)
		}
	}
	entry.counter++
	entry.value = strconv.FormatInt(entry.counter, 10)
	m.entries[key] = entry
	return entry.counter, nil
}
