package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// lockTTL bounds how long a crashed holder can block other refreshers.
	lockTTL = 30 * time.Second

	pollInterval = 100 * time.Millisecond
)

// RefreshLock is the multi-instance refresh locker: a short-lived SET NX
// marker per user. A holder that dies is unblocked by the key TTL.
type RefreshLock struct {
	client *redis.Client
	prefix string
}

// NewRefreshLock creates a new [RefreshLock] instance.
func NewRefreshLock(client *redis.Client, prefix string) *RefreshLock {
	return &RefreshLock{
		client: client,
		prefix: prefix,
	}
}

func (r *RefreshLock) redisKey(userID string) string {
	return fmt.Sprintf("%s:refresh-lock:%s", r.prefix, userID)
}

// Lock polls SET NX until the marker is placed or the context is done.
func (r *RefreshLock) Lock(ctx context.Context, userID string) (func(), error) {
	key := r.redisKey(userID)

	for {
		ok, err := r.client.SetNX(ctx, key, "1", lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire refresh lock: %w", err)
		}
		if ok {
			release := func() {
				// Best effort; the TTL covers a failed delete.
				delCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				r.client.Del(delCtx, key)
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
