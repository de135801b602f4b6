package receiver

import (
	"context"
	"sync"
	"time"
)

// Tracker counts objects received per study. The receiver updates it from the
// association engine's listener goroutine while the relay engine reads it from
// the orchestrator goroutine, so all state sits behind one mutex. It replaces
// the shared mutable counter a move-style transfer would otherwise need.
type Tracker struct {
	mu       sync.Mutex
	counts   map[string]int
	observed map[string]time.Time
	total    int
}

func NewTracker() *Tracker {
	return &Tracker{
		counts:   make(map[string]int),
		observed: make(map[string]time.Time),
	}
}

// Reset clears the count for uid before a new transfer attempt.
func (t *Tracker) Reset(uid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, uid)
	delete(t.observed, uid)
}

// Observe records one received object for uid.
func (t *Tracker) Observe(uid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[uid]++
	t.observed[uid] = time.Now()
	t.total++
}

// Count reports objects received for uid since the last Reset.
func (t *Tracker) Count(uid string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[uid]
}

// Total reports objects received across all studies for this process.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// AwaitQuiescent blocks until no new object for uid has arrived for quiet, or
// ctx is done, and returns the final count. The move status stream ends when
// the source has issued its sub-operations, not necessarily when the last
// object has reached the listener; the quiescence window bridges that gap.
func (t *Tracker) AwaitQuiescent(ctx context.Context, uid string, quiet time.Duration) int {
	start := time.Now()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.Count(uid)
		case <-ticker.C:
			t.mu.Lock()
			last, ok := t.observed[uid]
			count := t.counts[uid]
			t.mu.Unlock()

			if !ok {
				last = start
			}
			if time.Since(last) >= quiet {
				return count
			}
		}
	}
}
