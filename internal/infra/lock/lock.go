// Package lock provides an application-level lock table: one exclusive lock
// per key, acquired with a timeout. It backs stores without native row locks.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a key stays locked past the acquisition timeout.
var ErrTimeout = errors.New("lock: acquisition timed out")

// slot is a single-capacity semaphore shared by everyone waiting on a key.
type slot struct {
	sem  chan struct{}
	refs int
}

// Table hands out per-key exclusive locks. Unrelated keys never contend.
type Table struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{slots: make(map[string]*slot)}
}

// Acquire blocks until key is free, timeout elapses or ctx is cancelled.
// A non-positive timeout waits on ctx only. The returned release func is
// idempotent.
func (t *Table) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	s := t.ref(key)

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case s.sem <- struct{}{}:
	case <-timer:
		t.unref(key)
		return nil, ErrTimeout
	case <-ctx.Done():
		t.unref(key)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			t.unref(key)
		})
	}, nil
}

func (t *Table) ref(key string) *slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		t.slots[key] = s
	}
	s.refs++
	return s
}

func (t *Table) unref(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(t.slots, key)
	}
}
