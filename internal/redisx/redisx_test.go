package redisx

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/stockflow/internal/orders"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := New(addr)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestDedup_MarkSeen(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()
	ctx := context.Background()

	d := &Dedup{R: client, Scope: "test"}
	id := uuid.NewString()

	seen, err := d.MarkSeen(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen {
		t.Error("first mark reported seen")
	}
	if seen, _ = d.MarkSeen(ctx, id); !seen {
		t.Error("second mark not reported seen")
	}

	if err := d.Forget(ctx, id); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if seen, _ = d.MarkSeen(ctx, id); seen {
		t.Error("forgotten id still seen")
	}
	_ = d.Forget(ctx, id)
}

func TestStatusCache(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()
	ctx := context.Background()

	c := &StatusCache{R: client}
	id := uuid.NewString()

	if _, ok, err := c.OrderStatus(ctx, id); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.SetOrderStatus(ctx, id, orders.StatusPaid); err != nil {
		t.Fatalf("set: %v", err)
	}
	st, ok, err := c.OrderStatus(ctx, id)
	if err != nil || !ok || st != orders.StatusPaid {
		t.Errorf("got %q ok=%v err=%v", st, ok, err)
	}
}

func TestLocker_SingleHolder(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()
	ctx := context.Background()

	l := &Locker{R: client}
	name := "test-" + uuid.NewString()

	release, ok, err := l.TryLock(ctx, name, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, name, 5*time.Second); ok {
		t.Error("second holder got the lock")
	}
	release()

	release2, ok, err := l.TryLock(ctx, name, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("lock after release: ok=%v err=%v", ok, err)
	}
	release2()
}
