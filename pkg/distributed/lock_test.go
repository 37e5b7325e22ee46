package distributed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("MEDLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("MEDLINK_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLock_Exclusive(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := fmt.Sprintf("medlink:test:lock:%d", time.Now().UnixNano())

	first := NewLock(client, key, time.Second)
	second := NewLock(client, key, time.Second)

	ok, err := first.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("first TryLock() = %v, %v; want true, nil", ok, err)
	}
	ok, err = second.TryLock(ctx)
	if err != nil || ok {
		t.Fatalf("second TryLock() = %v, %v; want false, nil", ok, err)
	}

	if err := second.Unlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Unlock by non-owner = %v, want ErrNotHeld", err)
	}
	if err := first.Unlock(ctx); err != nil {
		t.Errorf("Unlock() = %v", err)
	}

	ok, err = second.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("TryLock after release = %v, %v; want true, nil", ok, err)
	}
	_ = second.Unlock(ctx)
}

func TestLock_RenewalKeepsLease(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := fmt.Sprintf("medlink:test:lock:%d", time.Now().UnixNano())

	lock := NewLock(client, key, 200*time.Millisecond)
	if ok, err := lock.TryLock(ctx); err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	defer lock.Unlock(ctx)

	time.Sleep(500 * time.Millisecond)
	select {
	case <-lock.Lost():
		t.Fatal("lease lost while renewing")
	default:
	}
	if n, _ := client.Exists(ctx, key).Result(); n != 1 {
		t.Error("key should still exist")
	}
}

func TestLock_LostWhenKeyDeleted(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := fmt.Sprintf("medlink:test:lock:%d", time.Now().UnixNano())

	lock := NewLock(client, key, 200*time.Millisecond)
	if ok, err := lock.TryLock(ctx); err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	client.Del(ctx, key)

	select {
	case <-lock.Lost():
	case <-time.After(time.Second):
		t.Fatal("Lost() not closed after the key vanished")
	}
}
