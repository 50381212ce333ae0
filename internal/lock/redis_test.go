package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLock(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, time.Minute)
}

func TestRedisTryLock(t *testing.T) {
	l := newTestRedisLock(t)
	guard, err := l.TryLock(context.Background(), "upload-1")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if guard == nil {
		t.Fatal("expected a guard for an unheld key")
	}
}

func TestRedisTryLockConflict(t *testing.T) {
	l := newTestRedisLock(t)
	guard, err := l.TryLock(context.Background(), "upload-1")
	if err != nil || guard == nil {
		t.Fatalf("first TryLock should succeed, got guard=%v err=%v", guard, err)
	}

	second, err := l.TryLock(context.Background(), "upload-1")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if second != nil {
		t.Fatal("expected nil guard while the lock is already held")
	}
}

func TestRedisReleaseAllowsReacquire(t *testing.T) {
	l := newTestRedisLock(t)
	guard, _ := l.TryLock(context.Background(), "upload-1")
	guard.Release()

	reacquired, err := l.TryLock(context.Background(), "upload-1")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if reacquired == nil {
		t.Fatal("expected to reacquire the lock after release")
	}
}

func TestRedisReleaseDoesNotStealReacquiredLock(t *testing.T) {
	// A fencing token tied to the original holder must not delete a lock
	// key that a later holder has since re-acquired under a new token.
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedis(client, 50*time.Millisecond)

	guard, err := l.TryLock(context.Background(), "upload-1")
	if err != nil || guard == nil {
		t.Fatalf("TryLock: guard=%v err=%v", guard, err)
	}

	mr.FastForward(100 * time.Millisecond)

	reacquired, err := l.TryLock(context.Background(), "upload-1")
	if err != nil || reacquired == nil {
		t.Fatalf("expected reacquire after expiry, guard=%v err=%v", reacquired, err)
	}

	guard.Release()

	stillHeld, err := l.TryLock(context.Background(), "upload-1")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if stillHeld != nil {
		t.Fatal("stale release must not evict the current holder's lock")
	}
}
