// Package lock provides short-lived per-key mutual exclusion backed by Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed holder can block a key
	DefaultTTL = 15 * time.Minute

	// DefaultPrefix namespaces lock keys
	DefaultPrefix = "import:lock:"
)

var (
	// ErrNotAcquired is returned when the key is already held
	ErrNotAcquired = errors.New("lock not acquired")

	// ErrNotHeld is returned when releasing a lock whose token no longer matches
	ErrNotHeld = errors.New("lock not held")
)

// Compare-and-delete so a holder whose TTL lapsed cannot delete a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Unlock releases a held lock
type Unlock func(ctx context.Context) error

// Config configures a Locker
type Config struct {
	Prefix string
	TTL    time.Duration
}

// Locker hands out non-blocking locks keyed by name
type Locker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewLocker creates a Locker. Zero config values take defaults.
func NewLocker(client redis.Cmdable, cfg Config) *Locker {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Locker{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}
}

// Key returns the Redis key used for name
func (l *Locker) Key(name string) string {
	return l.prefix + name
}

// Acquire takes the lock for name without waiting. It returns ErrNotAcquired
// when another holder has it.
func (l *Locker) Acquire(ctx context.Context, name string) (Unlock, error) {
	key := l.Key(name)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}, nil
}

// Held reports whether any holder currently owns name
func (l *Locker) Held(ctx context.Context, name string) (bool, error) {
	n, err := l.client.Exists(ctx, l.Key(name)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
