package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/infra/lock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_MutualExclusion(t *testing.T) {
	table := lock.NewTable()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := table.Acquire(context.Background(), "card-1", time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, table.Slots())
}

func TestAcquire_Timeout(t *testing.T) {
	table := lock.NewTable()

	release, err := table.Acquire(context.Background(), "card-1", time.Second)
	require.NoError(t, err)
	defer release()

	_, err = table.Acquire(context.Background(), "card-1", 20*time.Millisecond)
	assert.True(t, errors.Is(err, lock.ErrTimeout))
}

func TestAcquire_DistinctKeysDoNotContend(t *testing.T) {
	table := lock.NewTable()

	r1, err := table.Acquire(context.Background(), "card-1", time.Second)
	require.NoError(t, err)
	defer r1()

	r2, err := table.Acquire(context.Background(), "card-2", 10*time.Millisecond)
	require.NoError(t, err)
	r2()
}

func TestAcquire_ContextCancelled(t *testing.T) {
	table := lock.NewTable()

	release, err := table.Acquire(context.Background(), "card-1", 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = table.Acquire(ctx, "card-1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRelease_Idempotent(t *testing.T) {
	table := lock.NewTable()

	release, err := table.Acquire(context.Background(), "card-1", time.Second)
	require.NoError(t, err)
	release()
	release()

	r2, err := table.Acquire(context.Background(), "card-1", 10*time.Millisecond)
	require.NoError(t, err)
	r2()
	assert.Equal(t, 0, table.Slots())
}
