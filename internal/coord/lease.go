// Package coord implements fleet coordination: exclusive leases over the
// shared store, worker heartbeats, and dead-worker cleanup run by an
// elected leader.
package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketfeed/internal/metrics"
	"marketfeed/internal/store"
)

const leasePrefix = "lease:"

// LeaseCoordinator hands out exclusive, TTL-bound leases on named
// resources. A lease is owned by whoever holds its fencing token; renew
// and release are no-ops for anyone else.
type LeaseCoordinator struct {
	kv store.KV
}

func NewLeaseCoordinator(kv store.KV) *LeaseCoordinator {
	return &LeaseCoordinator{kv: kv}
}

// Acquire tries to take the lease on resource for ttl. On success it
// returns a fencing token the holder must present to Renew and Release.
// An empty token with a nil error means someone else holds the lease.
func (lc *LeaseCoordinator) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	token := uuid.NewString()

	ok, err := lc.kv.SetNX(ctx, leasePrefix+resource, token, ttl)
	if err != nil {
		return "", fmt.Errorf("acquire lease %s: %w", resource, err)
	}
	if !ok {
		return "", nil
	}

	metrics.LeaseAcquired.WithLabelValues(resource).Inc()
	return token, nil
}

// Renew extends the lease TTL if token still owns it. A false return with
// a nil error means the lease expired or was taken over; the caller must
// stop acting as the holder.
func (lc *LeaseCoordinator) Renew(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	ok, err := lc.kv.CompareAndExpire(ctx, leasePrefix+resource, token, ttl)
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", resource, err)
	}
	return ok, nil
}

// Release drops the lease if token still owns it. Releasing a lease that
// already expired is not an error.
func (lc *LeaseCoordinator) Release(ctx context.Context, resource, token string) error {
	if _, err := lc.kv.CompareAndDelete(ctx, leasePrefix+resource, token); err != nil {
		return fmt.Errorf("release lease %s: %w", resource, err)
	}
	return nil
}
