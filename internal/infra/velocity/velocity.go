// Package velocity implements a sliding-window attempt counter per card.
package velocity

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultMaxPerKey = 1024

// Window keeps the timestamps of recent attempts per card and evicts those
// older than the window on every hit. Each card keeps at most maxPerKey
// timestamps; older ones are dropped first.
type Window struct {
	mu        sync.Mutex
	window    time.Duration
	maxPerKey int
	hits      map[string][]time.Time
}

// NewWindow creates a tracker for the given trailing window.
func NewWindow(window time.Duration) *Window {
	return &Window{
		window:    window,
		maxPerKey: defaultMaxPerKey,
		hits:      make(map[string][]time.Time),
	}
}

// Hit records an attempt at `at` and returns the count inside (at-window, at].
func (w *Window) Hit(_ context.Context, cardID string, at time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := w.hits[cardID]

	// Keep sorted even if callers race with slightly out-of-order clocks.
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(at) })
	ts = append(ts, time.Time{})
	copy(ts[i+1:], ts[i:])
	ts[i] = at

	cutoff := at.Add(-w.window)
	first := sort.Search(len(ts), func(i int) bool { return ts[i].After(cutoff) })
	ts = ts[first:]

	if len(ts) > w.maxPerKey {
		ts = ts[len(ts)-w.maxPerKey:]
	}

	w.hits[cardID] = ts

	// Count only up to `at`; later timestamps may exist from skewed callers.
	upto := sort.Search(len(ts), func(i int) bool { return ts[i].After(at) })
	return upto, nil
}

// Sweep drops cards with no attempts inside the window ending at now.
func (w *Window) Sweep(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	for k, ts := range w.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(w.hits, k)
		}
	}
}

// Run sweeps idle cards every interval until ctx is done.
func (w *Window) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.Sweep(now)
		}
	}
}
