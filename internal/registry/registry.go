package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"marketfeed/internal/store"
)

// Mode selects how much of the wire payload an instrument subscribes to.
type Mode string

const (
	ModeTicker Mode = "ticker"
	ModeQuote  Mode = "quote"
	ModeFull   Mode = "full"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeTicker, ModeQuote, ModeFull:
		return true
	}
	return false
}

// Subscription is one instrument stream at a given depth of detail.
type Subscription struct {
	SecurityID uint32
	Segment    uint8
	Mode       Mode
}

// Member encodes the subscription as a store set member: "id:seg:mode".
func (s Subscription) Member() string {
	return fmt.Sprintf("%d:%d:%s", s.SecurityID, s.Segment, s.Mode)
}

func parseMember(member string) (Subscription, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 3 {
		return Subscription{}, fmt.Errorf("malformed subscription member %q", member)
	}
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Subscription{}, fmt.Errorf("malformed security id in %q: %w", member, err)
	}
	seg, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return Subscription{}, fmt.Errorf("malformed segment in %q: %w", member, err)
	}
	mode := Mode(parts[2])
	if !mode.Valid() {
		return Subscription{}, fmt.Errorf("unknown mode in %q", member)
	}
	return Subscription{SecurityID: uint32(id), Segment: uint8(seg), Mode: mode}, nil
}

const (
	activeKey   = "subs:active"
	pendingKey  = "subs:pending"
	claimPrefix = "subs:claims:"
)

// Registry tracks which subscriptions exist, which are waiting for an
// owner, and which worker currently holds each claim.
type Registry struct {
	kv store.KV
}

func NewRegistry(kv store.KV) *Registry {
	return &Registry{kv: kv}
}

// Seed registers the catalog's subscriptions, placing any not yet active
// into the pending pool for workers to claim.
func (r *Registry) Seed(ctx context.Context, instruments []Instrument) (int, error) {
	added := 0
	for _, inst := range instruments {
		sub := Subscription{SecurityID: inst.SecurityID, Segment: inst.Segment, Mode: inst.Mode}
		member := sub.Member()

		exists, err := r.memberOf(ctx, activeKey, member)
		if err != nil {
			return added, err
		}
		if exists {
			continue
		}
		if err := r.kv.SAdd(ctx, activeKey, member); err != nil {
			return added, err
		}
		if err := r.kv.SAdd(ctx, pendingKey, member); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (r *Registry) memberOf(ctx context.Context, key, member string) (bool, error) {
	members, err := r.kv.SMembers(ctx, key)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == member {
			return true, nil
		}
	}
	return false, nil
}

// ClaimPending moves up to max pending subscriptions into workerID's claim
// set and returns them. Each move is atomic, so concurrent claimers split
// the pool without overlap. Claiming from an empty pool returns nil.
func (r *Registry) ClaimPending(ctx context.Context, workerID string, max int) ([]Subscription, error) {
	pending, err := r.kv.SMembers(ctx, pendingKey)
	if err != nil {
		return nil, err
	}

	var claimed []Subscription
	for _, member := range pending {
		if max > 0 && len(claimed) >= max {
			break
		}
		sub, err := parseMember(member)
		if err != nil {
			// Malformed members are removed rather than poisoning every sweep.
			_ = r.kv.SRem(ctx, pendingKey, member)
			continue
		}
		won, err := r.kv.SMove(ctx, pendingKey, claimPrefix+workerID, member)
		if err != nil {
			return claimed, err
		}
		if !won {
			// Another worker moved it between our snapshot and now.
			continue
		}
		claimed = append(claimed, sub)
	}
	return claimed, nil
}

// Claimed lists the subscriptions workerID currently owns.
func (r *Registry) Claimed(ctx context.Context, workerID string) ([]Subscription, error) {
	members, err := r.kv.SMembers(ctx, claimPrefix+workerID)
	if err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(members))
	for _, member := range members {
		sub, err := parseMember(member)
		if err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// ReassignWorker returns a dead worker's claims to the pending pool so a
// live worker can pick them up. Returns how many were moved.
func (r *Registry) ReassignWorker(ctx context.Context, workerID string) (int, error) {
	members, err := r.kv.SMembers(ctx, claimPrefix+workerID)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, member := range members {
		if err := r.kv.SAdd(ctx, pendingKey, member); err != nil {
			return moved, err
		}
		if err := r.kv.SRem(ctx, claimPrefix+workerID, member); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Release hands this worker's claims back to the pending pool, used on
// graceful shutdown so coverage resumes quickly.
func (r *Registry) Release(ctx context.Context, workerID string) (int, error) {
	return r.ReassignWorker(ctx, workerID)
}

// ActiveCount reports how many subscriptions the fleet should be serving.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	members, err := r.kv.SMembers(ctx, activeKey)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// PendingCount reports how many subscriptions await an owner.
func (r *Registry) PendingCount(ctx context.Context) (int, error) {
	members, err := r.kv.SMembers(ctx, pendingKey)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}
