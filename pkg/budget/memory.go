package budget

import (
	"context"
	"sync"
	"time"
)

type usageEntry struct {
	at     time.Time
	tokens int
}

// MemoryTracker keeps per-tenant usage windows in process memory under one
// mutex. Entries older than the window are pruned on every read. Suitable
// for a single host; cross-host deployments need the Redis tracker.
type MemoryTracker struct {
	mu      sync.Mutex
	buckets map[string][]usageEntry
	window  time.Duration
	ceiling CeilingFunc
	clock   func() time.Time
}

// NewMemoryTracker builds an in-memory tracker over the given window.
func NewMemoryTracker(window time.Duration, ceiling CeilingFunc) *MemoryTracker {
	return &MemoryTracker{
		buckets: make(map[string][]usageEntry),
		window:  window,
		ceiling: ceiling,
		clock:   time.Now,
	}
}

// WithClock overrides the time source for testing.
func (t *MemoryTracker) WithClock(clock func() time.Time) *MemoryTracker {
	t.clock = clock
	return t
}

// Check implements Tracker.
func (t *MemoryTracker) Check(ctx context.Context, tenantID string, requested int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	used := t.usedLocked(tenantID)
	ceiling := t.ceiling(tenantID)
	if used+requested > ceiling {
		return &ExceededError{
			Tenant:        tenantID,
			Used:          used,
			Requested:     requested,
			Ceiling:       ceiling,
			WindowSeconds: int(t.window.Seconds()),
		}
	}
	return nil
}

// Record implements Tracker.
func (t *MemoryTracker) Record(ctx context.Context, tenantID string, tokens int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[tenantID] = append(t.buckets[tenantID], usageEntry{at: t.clock(), tokens: tokens})
	return nil
}

// CheckRunning implements Tracker.
func (t *MemoryTracker) CheckRunning(ctx context.Context, tenantID string, requested int) (bool, error) {
	err := t.Check(ctx, tenantID, requested)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*ExceededError); ok {
		return false, nil
	}
	return false, err
}

// Summary implements Tracker.
func (t *MemoryTracker) Summary(ctx context.Context, tenantID string) (Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	used := t.usedLocked(tenantID)
	return buildSummary(tenantID, int(t.window.Seconds()), t.ceiling(tenantID), used), nil
}

// usedLocked prunes expired entries and sums the remainder. Caller holds mu.
func (t *MemoryTracker) usedLocked(tenantID string) int {
	cutoff := t.clock().Add(-t.window)
	entries := t.buckets[tenantID]

	kept := entries[:0]
	used := 0
	for _, e := range entries {
		if e.at.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
		used += e.tokens
	}
	if len(kept) == 0 {
		delete(t.buckets, tenantID)
	} else {
		t.buckets[tenantID] = kept
	}
	return used
}
