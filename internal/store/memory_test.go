package store

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetNXAndExpiry(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()

	ok, err := kv.SetNX(ctx, "k", "a", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v", ok, err)
	}

	ok, _ = kv.SetNX(ctx, "k", "b", 50*time.Millisecond)
	if ok {
		t.Fatal("second SetNX should fail while key is live")
	}

	time.Sleep(80 * time.Millisecond)

	ok, _ = kv.SetNX(ctx, "k", "b", 0)
	if !ok {
		t.Fatal("SetNX should succeed after expiry")
	}

	val, err := kv.Get(ctx, "k")
	if err != nil || val != "b" {
		t.Fatalf("Get = %q, %v", val, err)
	}
}

func TestMemoryCompareAndOps(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()

	_ = kv.Set(ctx, "lease", "tok-1", 0)

	if ok, _ := kv.CompareAndExpire(ctx, "lease", "tok-2", time.Second); ok {
		t.Fatal("CompareAndExpire with wrong value should fail")
	}
	if ok, _ := kv.CompareAndExpire(ctx, "lease", "tok-1", time.Second); !ok {
		t.Fatal("CompareAndExpire with right value should succeed")
	}

	if ok, _ := kv.CompareAndDelete(ctx, "lease", "tok-2"); ok {
		t.Fatal("CompareAndDelete with wrong value should fail")
	}
	if ok, _ := kv.CompareAndDelete(ctx, "lease", "tok-1"); !ok {
		t.Fatal("CompareAndDelete with right value should succeed")
	}

	if _, err := kv.Get(ctx, "lease"); err != ErrNotFound {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryIncrWindow(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()

	for want := int64(1); want <= 3; want++ {
		got, err := kv.IncrWindow(ctx, "rl", 60*time.Millisecond)
		if err != nil || got != want {
			t.Fatalf("IncrWindow = %d, %v; want %d", got, err, want)
		}
	}

	time.Sleep(90 * time.Millisecond)

	got, _ := kv.IncrWindow(ctx, "rl", 60*time.Millisecond)
	if got != 1 {
		t.Fatalf("IncrWindow after window = %d, want 1 (fresh window)", got)
	}
}

func TestMemoryIncrWindowTyping(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()

	_ = kv.Set(ctx, "token", "abc-123", 0)
	if _, err := kv.IncrWindow(ctx, "token", 0); err == nil {
		t.Fatal("IncrWindow on a non-integer value should error")
	}

	_ = kv.Set(ctx, "count", "41", 0)
	got, err := kv.IncrWindow(ctx, "count", 0)
	if err != nil || got != 42 {
		t.Fatalf("IncrWindow on integer value = %d, %v; want 42", got, err)
	}

	// Counters read back as numeric strings, like Redis.
	val, _ := kv.Get(ctx, "count")
	if val != "42" {
		t.Fatalf("Get after incr = %q, want \"42\"", val)
	}
}

func TestMemorySMove(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()

	_ = kv.SAdd(ctx, "pending", "a", "b")

	ok, err := kv.SMove(ctx, "pending", "claims", "a")
	if err != nil || !ok {
		t.Fatalf("SMove = %v, %v; want true", ok, err)
	}

	// Moved member is gone from source; a second move loses.
	if ok, _ := kv.SMove(ctx, "pending", "claims", "a"); ok {
		t.Fatal("second SMove of same member should report false")
	}
	if ok, _ := kv.SMove(ctx, "missing", "claims", "a"); ok {
		t.Fatal("SMove from absent set should report false")
	}

	pending, _ := kv.SMembers(ctx, "pending")
	if len(pending) != 1 || pending[0] != "b" {
		t.Fatalf("pending = %v, want [b]", pending)
	}
	claims, _ := kv.SMembers(ctx, "claims")
	if len(claims) != 1 || claims[0] != "a" {
		t.Fatalf("claims = %v, want [a]", claims)
	}
}

func TestMemorySets(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()

	_ = kv.SAdd(ctx, "workers", "w1", "w2", "w3")
	_ = kv.SRem(ctx, "workers", "w2")

	members, _ := kv.SMembers(ctx, "workers")
	if len(members) != 2 {
		t.Fatalf("members = %v, want 2 entries", members)
	}
	seen := map[string]bool{}
	for _, m := range members {
		seen[m] = true
	}
	if !seen["w1"] || !seen["w3"] || seen["w2"] {
		t.Fatalf("unexpected members: %v", members)
	}
}
