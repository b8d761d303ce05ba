package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

type memoryBackend struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemory returns a process-local backend. Entries expire ttl after they are
// written; a non-positive ttl keeps them until overwritten.
func NewMemory(ttl time.Duration) Backend {
	return &memoryBackend{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *memoryBackend) Name() string { return "memory" }

func (c *memoryBackend) Read(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.lookup(key)
	if !ok {
		return Entry{}, false, nil
	}
	return stored, true, nil
}

func (c *memoryBackend) Write(_ context.Context, key string, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, entry)
	return nil
}

func (c *memoryBackend) CompareAndSwap(_ context.Context, key string, prev int64, next Entry) (bool, error) {
	if err := next.Validate(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.lookup(key)
	switch {
	case !ok && prev != NoEntry:
		return false, nil
	case ok && current.GeneratedAt != prev:
		return false, nil
	}
	c.store(key, next)
	return true, nil
}

func (c *memoryBackend) Close(context.Context) error {
	return nil
}

// lookup must be called with mu held.
func (c *memoryBackend) lookup(key string) (Entry, bool) {
	stored, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if !stored.expiresAt.IsZero() && !c.now().Before(stored.expiresAt) {
		delete(c.entries, key)
		return Entry{}, false
	}
	return stored.entry, true
}

// store must be called with mu held.
func (c *memoryBackend) store(key string, entry Entry) {
	stored := memoryEntry{entry: entry}
	if c.ttl > 0 {
		stored.expiresAt = c.now().Add(c.ttl)
	}
	c.entries[key] = stored
}
