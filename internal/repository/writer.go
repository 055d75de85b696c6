package repository

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marketfeed/internal/models"
)

// Writer drains the aggregator's sealed-candle stream and flushes it to
// the repository in batches, by size or by timer, whichever comes first.
type Writer struct {
	repo       *CandleRepository
	in         <-chan *models.Candle
	batchSize  int
	flushEvery time.Duration
	logger     *logrus.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type WriterConfig struct {
	BatchSize  int
	FlushEvery time.Duration
}

func NewWriter(cfg WriterConfig, repo *CandleRepository, in <-chan *models.Candle, logger *logrus.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	return &Writer{
		repo:       repo,
		in:         in,
		batchSize:  cfg.BatchSize,
		flushEvery: cfg.FlushEvery,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (w *Writer) Start() {
	go w.run()
}

// Stop flushes whatever is buffered or still queued, then returns.
func (w *Writer) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	var batch []*models.Candle
	for {
		select {
		case candle := <-w.in:
			batch = append(batch, candle)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = nil
			}

		case <-w.stop:
			for {
				select {
				case candle := <-w.in:
					batch = append(batch, candle)
				default:
					if len(batch) > 0 {
						w.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []*models.Candle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := w.repo.BatchUpsert(ctx, batch)
	if err != nil {
		w.logger.WithError(err).WithField("candles", len(batch)).Error("Candle batch write failed")
		return
	}

	w.logger.WithFields(logrus.Fields{
		"inserted":  stats.Inserted,
		"unchanged": stats.Unchanged,
		"conflicts": stats.Conflicts,
	}).Debug("Candle batch flushed")
}
