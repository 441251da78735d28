package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/token-distributor/internal/logging"
)

// ErrLockHeld is returned when another run holds the campaign lock
var ErrLockHeld = errors.New("campaign run lock is held")

// ErrLockLost is returned when a lease expired or was taken over
var ErrLockLost = errors.New("campaign run lock lost")

const runLockPrefix = "distribution:run-lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RunLock is a per-campaign mutual exclusion lock shared by every engine instance
type RunLock struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRunLock creates a lock whose leases expire after ttl unless refreshed
func NewRunLock(client redis.Cmdable, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RunLock{client: client, ttl: ttl}
}

// Lease is a held campaign lock
type Lease struct {
	lock  *RunLock
	key   string
	token string

	stopOnce sync.Once
	stop     chan struct{}
}

func runLockKey(campaignID string) string {
	return runLockPrefix + campaignID
}

// Acquire takes the lock for campaignID or returns ErrLockHeld
func (l *RunLock) Acquire(ctx context.Context, campaignID string) (*Lease, error) {
	key := runLockKey(campaignID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{
		lock:  l,
		key:   key,
		token: token,
		stop:  make(chan struct{}),
	}, nil
}

// Holder returns the token of the lease currently holding campaignID, if any
func (l *RunLock) Holder(ctx context.Context, campaignID string) (string, bool, error) {
	token, err := l.client.Get(ctx, runLockKey(campaignID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read run lock: %w", err)
	}
	return token, true, nil
}

// Token identifies this lease
func (le *Lease) Token() string {
	return le.token
}

// Refresh extends the lease by the lock TTL
func (le *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, le.lock.client, []string{le.key}, le.token, le.lock.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh run lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// KeepAlive refreshes the lease every third of the TTL until Release.
// onLost is called once if a refresh finds the lease gone.
func (le *Lease) KeepAlive(ctx context.Context, onLost func(error)) {
	interval := le.lock.ttl / 3
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-le.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := le.Refresh(ctx)
				if err == nil {
					continue
				}
				if errors.Is(err, ErrLockLost) {
					if onLost != nil {
						onLost(err)
					}
					return
				}
				logging.FromContext(ctx).WithError(err).WithField("key", le.key).Warn("Run lock refresh failed")
			}
		}
	}()
}

// Release stops any keep-alive and deletes the lock if this lease still holds it
func (le *Lease) Release(ctx context.Context) error {
	le.stopOnce.Do(func() { close(le.stop) })

	_, err := releaseScript.Run(ctx, le.lock.client, []string{le.key}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}
