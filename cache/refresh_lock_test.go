package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRefreshLockSerializesPerUser(t *testing.T) {
	locker := NewMemoryRefreshLock(time.Minute)
	defer locker.Stop()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Lock(context.Background(), "user-1")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "at most one holder per user at a time")
}

func TestMemoryRefreshLockIndependentUsers(t *testing.T) {
	locker := NewMemoryRefreshLock(time.Minute)
	defer locker.Stop()

	release1, err := locker.Lock(context.Background(), "user-1")
	require.NoError(t, err)
	defer release1()

	// A different user's lock must not block.
	done := make(chan struct{})
	go func() {
		release2, err := locker.Lock(context.Background(), "user-2")
		assert.NoError(t, err)
		release2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for independent user blocked")
	}
}

func TestMemoryRefreshLockHonorsContext(t *testing.T) {
	locker := NewMemoryRefreshLock(time.Minute)
	defer locker.Stop()

	release, err := locker.Lock(context.Background(), "user-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locker.Lock(ctx, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
}
