// Package lock provides advisory locks keyed by string, used to serialize rank
// regeneration for one activity within one project.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker acquires an exclusive lock on key, blocking until it is held or ctx ends.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Key builds the reconciliation lock key for an activity and project.
func Key(activityID, projectID string) string {
	return "goalrank:reconcile:" + activityID + ":" + projectID
}

// Local is an in-process keyed mutex. The zero value is ready to use.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		if l.held == nil {
			l.held = make(map[string]chan struct{})
		}
		wait, busy := l.held[key]
		if !busy {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

var ErrLockTimeout = errors.New("lock not acquired")

// unlockScript deletes the key only when it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a single-instance SET NX PX lock. The TTL bounds how long a crashed
// holder can block others.
type Redis struct {
	Client *redis.Client
	TTL    time.Duration
	Retry  time.Duration
}

func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{Client: rdb, TTL: ttl}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	retry := r.Retry
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		ok, err := r.Client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = unlockScript.Run(ctx, r.Client, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		}
	}
}

func (r *Redis) Close() error {
	return r.Client.Close()
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
