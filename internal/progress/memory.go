package progress

import (
	"context"
	"sync"
	"time"
)

// terminalGrace is how long terminal entries linger before Sweep removes
// them, giving pollers a window to observe the final state.
const terminalGrace = 30 * time.Second

// Tracker stores the latest progress update per operation key.
// Implementations must be safe for concurrent access.
type Tracker interface {
	// Update merges an update into the stored state for key and returns
	// the stored result. Entries are created on first update.
	Update(ctx context.Context, key string, up Update) (Update, error)
	// Get returns the stored update for key, if any.
	Get(ctx context.Context, key string) (Update, bool, error)
	// Delete removes the entry for key.
	Delete(ctx context.Context, key string) error
	// Sweep removes entries older than maxAge, plus terminal entries past
	// their grace period. Returns the number removed.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// MemoryTracker is the in-process Tracker. A multi-process deployment
// should use RedisTracker instead so all replicas see the same state.
type MemoryTracker struct {
	mu      sync.RWMutex
	entries map[string]Update
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{entries: make(map[string]Update)}
}

// Update merges an update into the stored state for key.
func (t *MemoryTracker) Update(_ context.Context, key string, up Update) (Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	merged := merge(t.entries[key], up)
	t.entries[key] = merged
	return merged, nil
}

// Get returns the stored update for key.
func (t *MemoryTracker) Get(_ context.Context, key string) (Update, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	up, ok := t.entries[key]
	return up, ok, nil
}

// Delete removes the entry for key.
func (t *MemoryTracker) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}

// Sweep removes stale entries.
func (t *MemoryTracker) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, up := range t.entries {
		age := now.Sub(up.UpdatedAt)
		if age > maxAge || (up.Status.IsTerminal() && age > terminalGrace) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked entries.
func (t *MemoryTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
