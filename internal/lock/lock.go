// Package lock provides mutual exclusion keyed by name, in-process or
// across workers through Redis.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context or the retry budget ran out.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker runs fn while holding the named lock.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(context.Context) error) error
}

// LocalLocker serializes callers within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry)}
}

// WithLock implements Locker.
func (l *LocalLocker) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	l.mu.Lock()
	e, ok := l.locks[name]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[name] = e
	}
	e.refs++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, name)
		}
		l.mu.Unlock()
	}()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return errors.Mark(errors.Wrapf(ctx.Err(), "failed to lock %s", name), ErrNotAcquired)
	}
	defer func() { <-e.ch }()

	return fn(ctx)
}

// RedisLocker takes redsync mutexes so that workers in different processes
// exclude each other.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	prefix string
}

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	// Expiry bounds how long a crashed holder keeps the lock (default: 5m).
	Expiry time.Duration

	// Prefix is prepended to every lock name (default: "tradefed:lock:").
	Prefix string
}

// NewRedisLocker creates a RedisLocker on client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Expiry <= 0 {
		cfg.Expiry = 5 * time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "tradefed:lock:"
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: cfg.Expiry,
		prefix: cfg.Prefix,
	}
}

// WithLock implements Locker. The lock is extended while fn runs past half
// of its expiry.
func (l *RedisLocker) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	mutex := l.rs.NewMutex(l.prefix+name,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(64),
		redsync.WithRetryDelay(100*time.Millisecond),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to lock %s", name), ErrNotAcquired)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.expiry / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := mutex.ExtendContext(ctx); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	fnErr := fn(ctx)

	close(stop)
	wg.Wait()

	if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil && fnErr == nil {
		return errors.Wrapf(err, "failed to unlock %s", name)
	}
	return fnErr
}
