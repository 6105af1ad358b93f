// Package lock provides keyed mutual exclusion across request handlers,
// backed by Redis when available and by process memory otherwise.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrHeld is returned when the key stays locked for the whole wait period.
	ErrHeld = errors.New("lock is held by another request")
	// ErrLost is returned on release when the lock expired and may have
	// been taken by someone else in the meantime.
	ErrLost = errors.New("lock expired before release")
)

// Locker acquires a named lock for at most ttl. The returned release func is
// safe to call more than once; every call reports the first release outcome.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func() error, err error)
}

const (
	retryInterval = 50 * time.Millisecond
	maxWait       = 2 * time.Second
)

// waitFor retries try until it succeeds, the context ends, or maxWait passes.
func waitFor(ctx context.Context, try func() (bool, error)) error {
	deadline := time.Now().Add(maxWait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrHeld
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// redisCommander is the subset of *redis.Client the locker needs.
type redisCommander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the key only if this holder still owns it.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

type RedisLocker struct {
	client redisCommander
	prefix string
}

// NewRedisLocker connects to url (redis://host:port/db) and verifies it.
func NewRedisLocker(ctx context.Context, url string) (*RedisLocker, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	return newRedisLocker(client), client, nil
}

func newRedisLocker(client redisCommander) *RedisLocker {
	return &RedisLocker{client: client, prefix: "hms:lock:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	err := waitFor(ctx, func() (bool, error) {
		return l.client.SetNX(ctx, fullKey, token, ttl).Result()
	})
	if err != nil {
		return nil, err
	}

	var (
		once       sync.Once
		releaseErr error
	)
	return func() error {
		once.Do(func() {
			// Release must not depend on the request context, which may be done.
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			n, err := l.client.Eval(releaseCtx, releaseScript, []string{fullKey}, token).Int()
			switch {
			case err != nil:
				releaseErr = fmt.Errorf("release %s: %w", fullKey, err)
			case n == 0:
				releaseErr = ErrLost
			}
		})
		return releaseErr
	}, nil
}

// LocalLocker serialises holders within one process. Entries expire after
// ttl so a leaked release cannot wedge a key forever.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	var expires time.Time
	err := waitFor(ctx, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		now := l.now()
		if until, ok := l.held[key]; ok && now.Before(until) {
			return false, nil
		}
		expires = now.Add(ttl)
		l.held[key] = expires
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var (
		once       sync.Once
		releaseErr error
	)
	return func() error {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key].Equal(expires) {
				delete(l.held, key)
			} else {
				releaseErr = ErrLost
			}
		})
		return releaseErr
	}, nil
}
