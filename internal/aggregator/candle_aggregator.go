// Package aggregator turns the routed tick stream into OHLCV candles,
// one live candle per (instrument, interval), sealed when its bucket
// rolls over.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketfeed/internal/metrics"
	"marketfeed/internal/models"
)

// SymbolResolver maps (segment, security id) to a display symbol.
type SymbolResolver interface {
	Symbol(segment uint8, securityID uint32) string
}

// LatestCache keeps the most recent sealed candle hot for API reads.
type LatestCache interface {
	SetLatest(ctx context.Context, candle *models.Candle) error
}

// Publisher fans sealed candles and live prices out to subscribers.
type Publisher interface {
	PublishCandle(ctx context.Context, candle *models.Candle) error
	PublishPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
}

// openCandle is a live bucket being built from ticks.
type openCandle struct {
	bucket int64
	candle *models.Candle
}

// instrumentState is everything the aggregator remembers per security.
// Each instrument's batches arrive on a single router lane goroutine, so
// the state needs no lock of its own.
type instrumentState struct {
	segment    uint8
	symbol     string
	lastOI     *uint32
	prevClose  float64
	byInterval map[string]*openCandle
}

// Aggregator consumes micro-batches from the router and emits sealed
// candles on Out.
type Aggregator struct {
	intervals map[string]time.Duration
	symbols   SymbolResolver
	cache     LatestCache
	publisher Publisher
	logger    *logrus.Logger

	states sync.Map // securityID -> *instrumentState
	out    chan *models.Candle
}

type Config struct {
	// Intervals the aggregator builds in parallel, e.g. ["1m", "5m"].
	Intervals []string
	// OutBuffer sizes the sealed-candle channel.
	OutBuffer int
}

func New(cfg Config, symbols SymbolResolver, cache LatestCache, publisher Publisher, logger *logrus.Logger) (*Aggregator, error) {
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = []string{"1m"}
	}
	if cfg.OutBuffer <= 0 {
		cfg.OutBuffer = 1024
	}

	intervals := make(map[string]time.Duration, len(cfg.Intervals))
	for _, iv := range cfg.Intervals {
		dur, err := models.ParseInterval(iv)
		if err != nil {
			return nil, err
		}
		intervals[iv] = dur
	}

	return &Aggregator{
		intervals: intervals,
		symbols:   symbols,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
		out:       make(chan *models.Candle, cfg.OutBuffer),
	}, nil
}

// Out is the sealed-candle stream the persistence writer drains.
func (a *Aggregator) Out() <-chan *models.Candle {
	return a.out
}

// HandleBatch implements the router's BatchHandler. It is called from one
// lane goroutine per security id.
func (a *Aggregator) HandleBatch(securityID uint32, ticks []*models.Tick) {
	if len(ticks) == 0 {
		return
	}

	state := a.stateFor(securityID, ticks[0].Segment)

	var lastPrice float64
	var lastTradeTS time.Time
	traded := false

	for _, tick := range ticks {
		switch tick.Type {
		case models.PacketOI:
			oi := tick.OI
			state.lastOI = &oi
			for _, oc := range state.byInterval {
				oc.candle.OpenInterest = &oi
			}

		case models.PacketPrevClose:
			state.prevClose = tick.PrevClose

		default:
			if !tick.HasTrade() {
				continue
			}
			a.applyTrade(state, tick)
			lastPrice = tick.LTP
			lastTradeTS = tick.TradeTime()
			traded = true
		}
	}

	if traded && a.publisher != nil {
		// One price event per batch, not per tick.
		symbol, price, ts := state.symbol, lastPrice, lastTradeTS
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.publisher.PublishPrice(ctx, symbol, price, ts); err != nil {
				a.logger.WithError(err).WithField("symbol", symbol).Debug("Price publish failed")
			}
		}()
	}
}

func (a *Aggregator) stateFor(securityID uint32, segment uint8) *instrumentState {
	if v, ok := a.states.Load(securityID); ok {
		return v.(*instrumentState)
	}
	state := &instrumentState{
		segment:    segment,
		symbol:     a.symbols.Symbol(segment, securityID),
		byInterval: make(map[string]*openCandle, len(a.intervals)),
	}
	actual, _ := a.states.LoadOrStore(securityID, state)
	return actual.(*instrumentState)
}

// applyTrade folds one trade tick into every interval's live candle.
// Ticker packets move price only; quote and full packets also contribute
// their last-trade quantity as candle volume.
func (a *Aggregator) applyTrade(state *instrumentState, tick *models.Tick) {
	ts := tick.TradeTime().Unix()
	price := decimal.NewFromFloat(tick.LTP)

	var qty uint64
	if tick.Type != models.PacketTicker {
		qty = uint64(tick.LTQ)
	}

	for iv, dur := range a.intervals {
		bucket := models.BucketStart(ts, dur)
		oc := state.byInterval[iv]

		switch {
		case oc == nil:
			state.byInterval[iv] = a.openBucket(state, tick, iv, bucket, price, qty)

		case bucket > oc.bucket:
			a.closeCandle(oc.candle, iv)
			state.byInterval[iv] = a.openBucket(state, tick, iv, bucket, price, qty)

		case bucket < oc.bucket:
			// Replayed or duplicate-link tick older than the live bucket.
			metrics.LateTicks.Inc()

		default:
			c := oc.candle
			if price.GreaterThan(c.High) {
				c.High = price
			}
			if price.LessThan(c.Low) {
				c.Low = price
			}
			c.Close = price
			c.Volume += qty
			c.UpdatedAt = tick.ReceivedAt
		}
	}
}

func (a *Aggregator) openBucket(state *instrumentState, tick *models.Tick, interval string, bucket int64, price decimal.Decimal, qty uint64) *openCandle {
	candle := &models.Candle{
		SecurityID: tick.SecurityID,
		Symbol:     state.symbol,
		Interval:   interval,
		BucketTS:   time.Unix(bucket, 0).UTC(),
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		Volume:     qty,
		Source:     "live",
		CreatedAt:  tick.ReceivedAt,
		UpdatedAt:  tick.ReceivedAt,
	}
	if state.lastOI != nil {
		oi := *state.lastOI
		candle.OpenInterest = &oi
	}
	return &openCandle{bucket: bucket, candle: candle}
}

// closeCandle seals a finished bucket and hands it downstream. The send
// blocks when the writer falls behind: pressure propagates back through
// the lane channels, and every sealed candle reaches the writer.
func (a *Aggregator) closeCandle(candle *models.Candle, interval string) {
	candle.Seal()
	metrics.CandlesClosed.WithLabelValues(interval).Inc()

	a.out <- candle

	if a.cache != nil {
		c := candle
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.cache.SetLatest(ctx, c); err != nil {
				a.logger.WithError(err).Debug("Latest-candle cache write failed")
			}
		}()
	}
	if a.publisher != nil {
		c := candle
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.publisher.PublishCandle(ctx, c); err != nil {
				a.logger.WithError(err).Debug("Candle publish failed")
			}
		}()
	}
}

// Flush seals every live candle, used at shutdown and market close so
// partial buckets are not lost.
func (a *Aggregator) Flush() int {
	flushed := 0
	a.states.Range(func(_, v interface{}) bool {
		state := v.(*instrumentState)
		for iv, oc := range state.byInterval {
			a.closeCandle(oc.candle, iv)
			delete(state.byInterval, iv)
			flushed++
		}
		return true
	})
	if flushed > 0 {
		a.logger.WithField("candles", flushed).Info("🕯️ Flushed open candles")
	}
	return flushed
}
