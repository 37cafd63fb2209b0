package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalSerializesSameKey(t *testing.T) {
	var l Local
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "k")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxInside)
	}
}

func TestLocalDifferentKeysIndependent(t *testing.T) {
	var l Local
	unlockA, err := l.Lock(context.Background(), Key("u1", "p1"))
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, Key("u2", "p1"))
	if err != nil {
		t.Fatalf("other key should not block: %v", err)
	}
	unlockB()
}

func TestLocalHonorsContext(t *testing.T) {
	var l Local
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
	again()
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("GOALRANK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GOALRANK_TEST_REDIS_ADDR not set")
	}
	r, err := NewRedis(addr, time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()
	key := Key("test-activity", "test-project")
	unlock, err := r.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := r.Lock(ctx, key); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected timeout while held, got %v", err)
	}
	unlock()
	unlock2, err := r.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock2()
}
