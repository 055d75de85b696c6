package coord

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marketfeed/internal/metrics"
	"marketfeed/internal/store"
)

const (
	heartbeatPrefix = "heartbeat:"
	rosterKey       = "workers"
	cleanupResource = "cleanup"
)

// Reassigner moves a dead worker's claimed subscriptions back to the
// pending pool. Implemented by the registry; declared here so coord does
// not import it.
type Reassigner interface {
	ReassignWorker(ctx context.Context, workerID string) (int, error)
}

// Fleet keeps this worker visible to the rest of the fleet and, when it
// wins the cleanup lease, sweeps the roster for members whose heartbeat
// key has expired.
type Fleet struct {
	workerID   string
	kv         store.KV
	leases     *LeaseCoordinator
	reassigner Reassigner
	logger     *logrus.Logger

	heartbeatTTL time.Duration
	sweepEvery   time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

type FleetConfig struct {
	WorkerID     string
	HeartbeatTTL time.Duration
	SweepEvery   time.Duration
}

func NewFleet(cfg FleetConfig, kv store.KV, leases *LeaseCoordinator, reassigner Reassigner, logger *logrus.Logger) *Fleet {
	return &Fleet{
		workerID:     cfg.WorkerID,
		kv:           kv,
		leases:       leases,
		reassigner:   reassigner,
		logger:       logger,
		heartbeatTTL: cfg.HeartbeatTTL,
		sweepEvery:   cfg.SweepEvery,
		stop:         make(chan struct{}),
	}
}

// Start registers the worker in the roster and launches the heartbeat and
// leader-election loops.
func (f *Fleet) Start(ctx context.Context) error {
	if err := f.beat(ctx); err != nil {
		return err
	}
	if err := f.kv.SAdd(ctx, rosterKey, f.workerID); err != nil {
		return err
	}

	f.logger.WithFields(logrus.Fields{
		"worker_id":     f.workerID,
		"heartbeat_ttl": f.heartbeatTTL.String(),
	}).Info("💓 Worker registered in fleet roster")

	f.wg.Add(2)
	go f.heartbeatLoop()
	go f.leaderLoop()
	return nil
}

// Stop halts the loops, releases any held duty, and removes the worker
// from the roster.
func (f *Fleet) Stop(ctx context.Context) {
	close(f.stop)
	f.wg.Wait()

	if err := f.kv.SRem(ctx, rosterKey, f.workerID); err != nil {
		f.logger.WithError(err).Warn("Failed to deregister from roster")
	}
	if err := f.kv.Delete(ctx, heartbeatPrefix+f.workerID); err != nil {
		f.logger.WithError(err).Warn("Failed to clear heartbeat key")
	}
	f.logger.WithField("worker_id", f.workerID).Info("👋 Worker left fleet roster")
}

func (f *Fleet) beat(ctx context.Context) error {
	return f.kv.Set(ctx, heartbeatPrefix+f.workerID, time.Now().UTC().Format(time.RFC3339), f.heartbeatTTL)
}

// heartbeatLoop refreshes the heartbeat key at a third of its TTL so a
// single missed write does not declare the worker dead.
func (f *Fleet) heartbeatLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.heartbeatTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.beat(ctx); err != nil {
				f.logger.WithError(err).Warn("Heartbeat write failed")
			}
			cancel()
		}
	}
}

// leaderLoop competes for the cleanup lease. The holder renews at a third
// of the TTL and sweeps the roster; on a failed renew it drops the duty
// and rejoins the election.
func (f *Fleet) leaderLoop() {
	defer f.wg.Done()

	leaseTTL := f.sweepEvery * 3
	var token string

	electTicker := time.NewTicker(f.sweepEvery)
	defer electTicker.Stop()
	renewTicker := time.NewTicker(leaseTTL / 3)
	defer renewTicker.Stop()

	for {
		select {
		case <-f.stop:
			if token != "" {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := f.leases.Release(ctx, cleanupResource, token); err != nil {
					f.logger.WithError(err).Warn("Failed to release cleanup lease")
				}
				cancel()
			}
			return

		case <-renewTicker.C:
			if token == "" {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := f.leases.Renew(ctx, cleanupResource, token, leaseTTL)
			cancel()
			if err != nil {
				f.logger.WithError(err).Warn("Cleanup lease renew failed")
				continue
			}
			if !ok {
				f.logger.WithField("worker_id", f.workerID).Warn("⚠️ Lost cleanup lease, stepping down")
				token = ""
			}

		case <-electTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if token == "" {
				acquired, err := f.leases.Acquire(ctx, cleanupResource, leaseTTL)
				if err != nil {
					f.logger.WithError(err).Warn("Cleanup lease acquire failed")
					cancel()
					continue
				}
				if acquired == "" {
					cancel()
					continue
				}
				token = acquired
				f.logger.WithField("worker_id", f.workerID).Info("👑 Elected cleanup leader")
			}
			if err := f.sweep(ctx); err != nil {
				f.logger.WithError(err).Warn("Roster sweep failed")
			}
			cancel()
		}
	}
}

// sweep removes roster members whose heartbeat key has expired and hands
// their claimed subscriptions back to the pending pool.
func (f *Fleet) sweep(ctx context.Context) error {
	members, err := f.kv.SMembers(ctx, rosterKey)
	if err != nil {
		return err
	}

	for _, member := range members {
		if member == f.workerID {
			continue
		}
		alive, err := f.kv.Exists(ctx, heartbeatPrefix+member)
		if err != nil {
			return err
		}
		if alive {
			continue
		}

		metrics.DeadWorkersDetected.Inc()
		if err := f.kv.SRem(ctx, rosterKey, member); err != nil {
			return err
		}

		moved, err := f.reassigner.ReassignWorker(ctx, member)
		if err != nil {
			f.logger.WithError(err).WithField("dead_worker", member).Error("Failed to reassign dead worker's subscriptions")
			continue
		}

		f.logger.WithFields(logrus.Fields{
			"dead_worker":   member,
			"reassigned":    moved,
			"swept_by":      f.workerID,
		}).Warn("💀 Dead worker removed from roster")
	}
	return nil
}
