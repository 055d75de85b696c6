// Package router fans decoded ticks out to per-instrument lanes. Each
// lane is a single goroutine, so ticks for one security are always
// processed in arrival order, and hands the aggregator small time-boxed
// batches instead of one call per tick.
package router

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marketfeed/internal/metrics"
	"marketfeed/internal/models"
)

// BatchHandler consumes one lane's micro-batch. Called from the lane
// goroutine only, so per-instrument state needs no locking.
type BatchHandler interface {
	HandleBatch(securityID uint32, ticks []*models.Tick)
}

// Router owns the lanes. Dispatch is safe for concurrent use by multiple
// connection readers; ticks for the same security keep their order
// because they land on the same channel.
type Router struct {
	handler     BatchHandler
	batchWindow time.Duration
	maxBatch    int
	laneBuffer  int
	logger      *logrus.Logger

	mu    sync.RWMutex
	lanes map[uint32]chan *models.Tick

	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

type Config struct {
	// BatchWindow is how long a lane waits to coalesce ticks before
	// flushing, clamped to 10-50ms by the config layer.
	BatchWindow time.Duration
	// MaxBatch force-flushes a lane before the window elapses.
	MaxBatch int
	// LaneBuffer is each lane channel's capacity. A full lane blocks the
	// dispatcher, which is the backpressure we want.
	LaneBuffer int
}

func New(cfg Config, handler BatchHandler, logger *logrus.Logger) *Router {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 256
	}
	return &Router{
		handler:     handler,
		batchWindow: cfg.BatchWindow,
		maxBatch:    cfg.MaxBatch,
		laneBuffer:  cfg.LaneBuffer,
		logger:      logger,
		lanes:       make(map[uint32]chan *models.Tick),
		stop:        make(chan struct{}),
	}
}

// Dispatch routes one tick to its instrument's lane, creating the lane on
// first sight. Blocks when the lane is full.
func (r *Router) Dispatch(tick *models.Tick) {
	r.mu.RLock()
	lane, ok := r.lanes[tick.SecurityID]
	stopped := r.stopped
	r.mu.RUnlock()

	if stopped {
		return
	}
	if !ok {
		lane = r.createLane(tick.SecurityID)
	}
	lane <- tick
}

func (r *Router) createLane(securityID uint32) chan *models.Tick {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lane, ok := r.lanes[securityID]; ok {
		return lane
	}

	lane := make(chan *models.Tick, r.laneBuffer)
	r.lanes[securityID] = lane

	r.wg.Add(1)
	go r.runLane(securityID, lane)

	r.logger.WithField("security_id", securityID).Debug("Opened tick lane")
	return lane
}

// runLane accumulates ticks and flushes them as a batch when the window
// timer fires, the batch hits maxBatch, or the router stops.
func (r *Router) runLane(securityID uint32, lane chan *models.Tick) {
	defer r.wg.Done()

	var batch []*models.Tick
	timer := time.NewTimer(r.batchWindow)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	flush := func() {
		if len(batch) == 0 {
			return
		}
		metrics.RouterBatchSize.Observe(float64(len(batch)))
		r.handler.HandleBatch(securityID, batch)
		batch = nil
	}

	for {
		select {
		case tick := <-lane:
			batch = append(batch, tick)
			if len(batch) >= r.maxBatch {
				flush()
				if timerArmed && !timer.Stop() {
					<-timer.C
				}
				timerArmed = false
				continue
			}
			if !timerArmed {
				timer.Reset(r.batchWindow)
				timerArmed = true
			}

		case <-timer.C:
			timerArmed = false
			flush()

		case <-r.stop:
			// Drain whatever the dispatchers already queued, then flush.
			for {
				select {
				case tick := <-lane:
					batch = append(batch, tick)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Stop shuts down all lanes after draining queued ticks. Dispatch calls
// racing with Stop are dropped.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()
}

// LaneCount reports how many instrument lanes are open.
func (r *Router) LaneCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lanes)
}
