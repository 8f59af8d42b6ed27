package mutex

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisMutex(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client, opts...), mr, client
}

func TestRedisTryLockRoundTrip(t *testing.T) {
	r1, _, client := newRedisMutex(t)
	r2 := NewRedis(client)
	ctx := context.Background()
	paths := []string{"doc/1", "doc/2"}

	ok, err := r1.TryLock(ctx, "segment", paths)
	if err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	if ok, err := r2.TryLock(ctx, "segment", paths); err != nil || ok {
		t.Fatalf("expected lock held, ok %v err %v", ok, err)
	}
	if ok, err := r2.TryLock(ctx, "dewarp", paths); err != nil || !ok {
		t.Fatalf("other processor should claim, ok %v err %v", ok, err)
	}
	if err := r1.Unlock(ctx, "segment", paths); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, err := r2.TryLock(ctx, "segment", paths); err != nil || !ok {
		t.Fatalf("expected lock re-acquired, ok %v err %v", ok, err)
	}
}

func TestRedisAllOrNothing(t *testing.T) {
	r1, mr, client := newRedisMutex(t)
	r2 := NewRedis(client)
	ctx := context.Background()

	if ok, err := r1.TryLock(ctx, "segment", []string{"b"}); err != nil || !ok {
		t.Fatalf("pre-lock: %v ok %v", err, ok)
	}
	if ok, err := r2.TryLock(ctx, "segment", []string{"a", "b", "c"}); err != nil || ok {
		t.Fatalf("overlapping claim should fail, ok %v err %v", ok, err)
	}
	if mr.Exists("pagelock:segment:a") || mr.Exists("pagelock:segment:c") {
		t.Fatal("failed claim left partial locks behind")
	}
	if ok, err := r2.TryLock(ctx, "segment", []string{"a", "c"}); err != nil || !ok {
		t.Fatalf("a and c should still be claimable, ok %v err %v", ok, err)
	}
}

func TestRedisUnlockForeignClaim(t *testing.T) {
	r1, _, client := newRedisMutex(t)
	r2 := NewRedis(client)
	ctx := context.Background()
	paths := []string{"doc/7"}

	if ok, err := r1.TryLock(ctx, "segment", paths); err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	// r2 never claimed the path, so its unlock must not release r1's lock.
	if err := r2.Unlock(ctx, "segment", paths); err != nil {
		t.Fatalf("foreign unlock: %v", err)
	}
	if ok, err := r2.TryLock(ctx, "segment", paths); err != nil || ok {
		t.Fatalf("lock should survive foreign unlock, ok %v err %v", ok, err)
	}
}

func TestRedisTTLExpires(t *testing.T) {
	r, mr, _ := newRedisMutex(t, WithTTL(20*time.Millisecond))
	ctx := context.Background()
	paths := []string{"doc/1"}

	if ok, err := r.TryLock(ctx, "segment", paths); err != nil || !ok {
		t.Fatalf("trylock: %v ok %v", err, ok)
	}
	mr.FastForward(30 * time.Millisecond)
	if ok, err := r.TryLock(ctx, "segment", paths); err != nil || !ok {
		t.Fatalf("lock should expire, ok %v err %v", ok, err)
	}
}

func TestRedisLockScoped(t *testing.T) {
	r1, _, client := newRedisMutex(t)
	r2 := NewRedis(client)
	ctx := context.Background()
	paths := []string{"doc/42"}

	err := r1.Lock(ctx, "stage_x", paths, func(acquired bool) error {
		if !acquired {
			t.Fatal("expected first claim to win")
		}
		return r2.Lock(ctx, "stage_x", paths, func(acquired bool) error {
			if acquired {
				t.Fatal("expected concurrent claim to lose")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if ok, err := r2.TryLock(ctx, "stage_x", paths); err != nil || !ok {
		t.Fatalf("expected claimable after scope exit, ok %v err %v", ok, err)
	}
}
