package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLock(t *testing.T, ttl time.Duration) (*SlotLock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSlotLock(client, ttl), mr
}

func TestAcquireAndRelease(t *testing.T) {
	locks, _ := newTestLock(t, time.Minute)
	ctx := context.Background()
	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)

	lease, err := locks.Acquire(ctx, day, 14)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease == nil {
		t.Fatal("expected lease on free slot")
	}

	second, err := locks.Acquire(ctx, day, 14)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != nil {
		t.Fatal("expected nil lease while slot is held")
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	third, err := locks.Acquire(ctx, day, 14)
	if err != nil || third == nil {
		t.Fatalf("expected lease after release: lease=%v err=%v", third, err)
	}
}

func TestSlotsAreIndependent(t *testing.T) {
	locks, _ := newTestLock(t, time.Minute)
	ctx := context.Background()
	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)

	a, err := locks.Acquire(ctx, day, 1)
	if err != nil || a == nil {
		t.Fatalf("acquire hour 1: lease=%v err=%v", a, err)
	}
	b, err := locks.Acquire(ctx, day, 2)
	if err != nil || b == nil {
		t.Fatalf("acquire hour 2: lease=%v err=%v", b, err)
	}
	c, err := locks.Acquire(ctx, day.AddDate(0, 0, 1), 1)
	if err != nil || c == nil {
		t.Fatalf("same hour next day should be free: lease=%v err=%v", c, err)
	}
}

func TestLeaseExpiresWithTTL(t *testing.T) {
	locks, mr := newTestLock(t, time.Second)
	ctx := context.Background()
	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)

	lease, err := locks.Acquire(ctx, day, 5)
	if err != nil || lease == nil {
		t.Fatalf("acquire: lease=%v err=%v", lease, err)
	}

	mr.FastForward(2 * time.Second)

	again, err := locks.Acquire(ctx, day, 5)
	if err != nil || again == nil {
		t.Fatalf("expected lease after TTL expiry: lease=%v err=%v", again, err)
	}
}

func TestExtendKeepsLeaseAlive(t *testing.T) {
	locks, mr := newTestLock(t, time.Second)
	ctx := context.Background()
	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)

	lease, err := locks.Acquire(ctx, day, 9)
	if err != nil || lease == nil {
		t.Fatalf("acquire: lease=%v err=%v", lease, err)
	}
	if err := lease.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}

	mr.FastForward(2 * time.Second)

	stillHeld, err := locks.Acquire(ctx, day, 9)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if stillHeld != nil {
		t.Fatal("lease expired despite extend")
	}
}

func TestReleaseOfStolenLeaseIsNoOp(t *testing.T) {
	locks, mr := newTestLock(t, time.Second)
	ctx := context.Background()
	day := time.Date(2025, 9, 4, 0, 0, 0, 0, time.UTC)

	lease, err := locks.Acquire(ctx, day, 3)
	if err != nil || lease == nil {
		t.Fatalf("acquire: lease=%v err=%v", lease, err)
	}

	mr.FastForward(2 * time.Second)
	next, err := locks.Acquire(ctx, day, 3)
	if err != nil || next == nil {
		t.Fatalf("reacquire after expiry: lease=%v err=%v", next, err)
	}

	// Releasing the stale lease must not free the new holder's lock.
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	third, err := locks.Acquire(ctx, day, 3)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if third != nil {
		t.Fatal("stale release freed another writer's lease")
	}
}
