package redisstore

import (
	"context"
	"errors"
	"time"

	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock:"

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockManager implements core.ILockManager with Redis SET NX PX locks.
// Acquisition polls until the wait budget is spent; the TTL bounds how
// long a crashed holder can block others.
type LockManager struct {
	client *redis.Client
	logger core.ILogger
	poll   time.Duration
}

// NewLockManager creates the lock manager. poll is the retry interval
// while contended; zero selects a default.
func NewLockManager(client *redis.Client, logger core.ILogger, poll time.Duration) *LockManager {
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	return &LockManager{
		client: client,
		logger: logger.WithField("component", "lock_manager"),
		poll:   poll,
	}
}

// Acquire takes the named lock, waiting up to timeout for the current
// holder to release it.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (core.ILock, error) {
	token := uuid.NewString()
	redisKey := lockKeyPrefix + key
	deadline := time.Now().Add(timeout)

	for {
		ok, err := m.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, apperrors.Timeout("lock", err)
			}
			return nil, apperrors.Wrap(apperrors.ErrTransient, err, "acquire lock %s", key)
		}
		if ok {
			return &lock{manager: m, key: redisKey, token: token, name: key}, nil
		}
		if time.Now().Add(m.poll).After(deadline) {
			return nil, apperrors.E(apperrors.ErrLockTimeout, "lock %s held past %s", key, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.Timeout("lock", ctx.Err())
		case <-time.After(m.poll):
		}
	}
}

type lock struct {
	manager *LockManager
	key     string
	token   string
	name    string
}

func (l *lock) Key() string {
	return l.name
}

// Release frees the lock if this holder still owns it. An expired
// lock releases as a no-op.
func (l *lock) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.manager.client, []string{l.key}, l.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return apperrors.Wrap(apperrors.ErrTransient, err, "release lock %s", l.name)
	}
	if res == 0 {
		l.manager.logger.Warn("lock expired before release", "key", l.name)
	}
	return nil
}
