package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// RefreshLocker serializes token refreshes per user so concurrent expired
// accesses await one in-flight refresh instead of issuing duplicate provider
// calls. The lock is advisory: correctness does not depend on it, only
// provider load does.
type RefreshLocker interface {
	// Lock acquires the per-user refresh lock, blocking until it is held or
	// the context is done. The returned release func must always be called.
	Lock(ctx context.Context, userID string) (release func(), err error)
}

// MemoryRefreshLock is the single-instance locker: a TTL cache of per-user
// mutexes. Idle entries are evicted so the registry does not grow with the
// user population.
type MemoryRefreshLock struct {
	mu    sync.Mutex
	locks *ttlcache.Cache[string, *sync.Mutex]
}

// NewMemoryRefreshLock creates a locker whose idle entries expire after ttl.
func NewMemoryRefreshLock(ttl time.Duration) *MemoryRefreshLock {
	c := ttlcache.New[string, *sync.Mutex](
		ttlcache.WithTTL[string, *sync.Mutex](ttl),
		ttlcache.WithDisableTouchOnHit[string, *sync.Mutex](),
	)
	go c.Start()
	return &MemoryRefreshLock{locks: c}
}

func (m *MemoryRefreshLock) userMutex(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item := m.locks.Get(userID); item != nil {
		// Touch so a held lock is not evicted mid-refresh.
		m.locks.Set(userID, item.Value(), ttlcache.DefaultTTL)
		return item.Value()
	}
	mtx := &sync.Mutex{}
	m.locks.Set(userID, mtx, ttlcache.DefaultTTL)
	return mtx
}

func (m *MemoryRefreshLock) Lock(ctx context.Context, userID string) (func(), error) {
	mtx := m.userMutex(userID)

	acquired := make(chan struct{})
	go func() {
		mtx.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return mtx.Unlock, nil
	case <-ctx.Done():
		// The goroutine will eventually acquire the mutex; release it then.
		go func() {
			<-acquired
			mtx.Unlock()
		}()
		return func() {}, ctx.Err()
	}
}

// Stop shuts down the eviction loop.
func (m *MemoryRefreshLock) Stop() {
	m.locks.Stop()
}
