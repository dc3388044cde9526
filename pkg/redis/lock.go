package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLockHeld is returned when another holder owns the lock
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrLockLost is returned when a lock expired or was taken over before release
	ErrLockLost = errors.New("lock no longer owned")
)

// Only the owner may release or extend a lock
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out named, expiring locks
type Locker struct {
	log    logrus.FieldLogger
	client redis.Cmdable
	cfg    *Config
}

// Lock is a held lock. It expires on its own if never released.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// NewLocker creates a locker whose keys live under the configured prefix
func NewLocker(log logrus.FieldLogger, client redis.Cmdable, cfg *Config) *Locker {
	return &Locker{
		log:    log.WithField("component", "locker"),
		client: client,
		cfg:    cfg,
	}
}

// Acquire takes the named lock for ttl or returns ErrLockHeld
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := l.cfg.PrefixKey("lock:" + name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}

	l.log.WithFields(logrus.Fields{"lock": name, "ttl": ttl}).Debug("Acquired lock")

	return &Lock{locker: l, key: key, token: token}, nil
}

// Extend resets the lock's expiry to ttl
func (lk *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", lk.key, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, lk.key)
	}

	return nil
}

// Release frees the lock if it is still owned
func (lk *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lk.key, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, lk.key)
	}

	return nil
}
