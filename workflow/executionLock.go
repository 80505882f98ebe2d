package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/savekit/config"
)

// ErrExecutionLocked means another caller currently holds the execution lock
// for the same composite key.
var ErrExecutionLocked = errors.New("idempotency execution lock not obtained")

// ExecutionLocker serializes handler execution per composite key. The
// persistent store alone only deduplicates storage; install a locker on the
// middleware when true single-execution is required.
type ExecutionLocker interface {
	Acquire(ctx context.Context, compositeKey string) (release func(), err error)
}

// DefaultExecutionLocker picks the locker for the current deployment: the
// redislock-backed one when Redis is connected (config.ConnectRedisWithRetry),
// otherwise the in-process one. ttl <= 0 uses the redis locker's default.
func DefaultExecutionLocker(ttl time.Duration) ExecutionLocker {
	if lk := config.GetRedisLock(); lk != nil {
		return &RedisExecutionLocker{Locker: lk, TTL: ttl}
	}
	return &LocalExecutionLocker{}
}

// RedisExecutionLocker serializes execution across instances via redislock.
type RedisExecutionLocker struct {
	Locker *redislock.Client
	TTL    time.Duration
}

func (l *RedisExecutionLocker) Acquire(ctx context.Context, compositeKey string) (func(), error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lock, err := l.Locker.Obtain(ctx, "idem:exec:"+compositeKey, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrExecutionLocked
		}
		return nil, err
	}
	return func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}

// LocalExecutionLocker serializes execution within a single process. Enough
// for single-instance deployments and for tests; multi-instance deployments
// need RedisExecutionLocker. Keys are removed on release, so the held set only
// grows with concurrently held locks.
type LocalExecutionLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *LocalExecutionLocker) Acquire(_ context.Context, compositeKey string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]struct{}{}
	}
	if _, taken := l.held[compositeKey]; taken {
		return nil, ErrExecutionLocked
	}
	l.held[compositeKey] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, compositeKey)
			l.mu.Unlock()
		})
	}, nil
}
