package registry

import (
	"context"
	"sync"
	"testing"

	"marketfeed/internal/store"
)

func TestSeedAndClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory())

	added, err := r.Seed(ctx, DefaultInstruments())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if added != len(DefaultInstruments()) {
		t.Fatalf("Seed added %d, want %d", added, len(DefaultInstruments()))
	}

	// Seeding again is a no-op.
	added, _ = r.Seed(ctx, DefaultInstruments())
	if added != 0 {
		t.Fatalf("second Seed added %d, want 0", added)
	}

	claimed, err := r.ClaimPending(ctx, "w1", 3)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d, want 3", len(claimed))
	}

	pending, _ := r.PendingCount(ctx)
	if pending != len(DefaultInstruments())-3 {
		t.Fatalf("pending = %d, want %d", pending, len(DefaultInstruments())-3)
	}

	owned, _ := r.Claimed(ctx, "w1")
	if len(owned) != 3 {
		t.Fatalf("Claimed = %d, want 3", len(owned))
	}
}

func TestClaimPendingExclusiveAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory())
	_, _ = r.Seed(ctx, DefaultInstruments())

	workers := []string{"w1", "w2", "w3"}
	claims := make(map[string][]Subscription, len(workers))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			got, err := r.ClaimPending(ctx, w, 0)
			if err != nil {
				t.Errorf("ClaimPending(%s): %v", w, err)
				return
			}
			mu.Lock()
			claims[w] = got
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	seen := map[string]string{}
	total := 0
	for w, subs := range claims {
		for _, sub := range subs {
			if owner, dup := seen[sub.Member()]; dup {
				t.Fatalf("subscription %s claimed by both %s and %s", sub.Member(), owner, w)
			}
			seen[sub.Member()] = w
			total++
		}
	}
	if total != len(DefaultInstruments()) {
		t.Fatalf("claimed %d subscriptions, want all %d exactly once", total, len(DefaultInstruments()))
	}
	if pending, _ := r.PendingCount(ctx); pending != 0 {
		t.Fatalf("pending = %d after full claim, want 0", pending)
	}
}

func TestReassignWorkerReturnsClaims(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory())

	_, _ = r.Seed(ctx, DefaultInstruments())
	claimed, _ := r.ClaimPending(ctx, "w-dead", 0)
	if len(claimed) != len(DefaultInstruments()) {
		t.Fatalf("claimed %d, want all %d", len(claimed), len(DefaultInstruments()))
	}

	moved, err := r.ReassignWorker(ctx, "w-dead")
	if err != nil {
		t.Fatalf("ReassignWorker: %v", err)
	}
	if moved != len(DefaultInstruments()) {
		t.Fatalf("moved %d, want %d", moved, len(DefaultInstruments()))
	}

	pending, _ := r.PendingCount(ctx)
	if pending != len(DefaultInstruments()) {
		t.Fatalf("pending after reassign = %d, want %d", pending, len(DefaultInstruments()))
	}
	owned, _ := r.Claimed(ctx, "w-dead")
	if len(owned) != 0 {
		t.Fatalf("dead worker still owns %d claims", len(owned))
	}
}

func TestSubscriptionMemberRoundTrip(t *testing.T) {
	sub := Subscription{SecurityID: 2885, Segment: 1, Mode: ModeFull}
	got, err := parseMember(sub.Member())
	if err != nil {
		t.Fatalf("parseMember: %v", err)
	}
	if got != sub {
		t.Fatalf("round trip = %+v, want %+v", got, sub)
	}

	for _, bad := range []string{"", "2885", "2885:1", "x:1:full", "2885:y:full", "2885:1:weird"} {
		if _, err := parseMember(bad); err == nil {
			t.Errorf("parseMember(%q) should fail", bad)
		}
	}
}

func TestInstrumentMapSymbolFallback(t *testing.T) {
	m := NewInstrumentMap(DefaultInstruments())

	if got := m.Symbol(1, 2885); got != "RELIANCE" {
		t.Fatalf("Symbol = %q, want RELIANCE", got)
	}
	if got := m.Symbol(2, 999999); got != "SEC:2:999999" {
		t.Fatalf("fallback Symbol = %q", got)
	}
	if _, ok := m.Lookup(1, 11536); !ok {
		t.Fatal("Lookup should find TCS")
	}
}
