// Package backfill pulls historical candles from the broker's REST API
// to repair gaps and cold-start new instruments. Every call passes the
// circuit breaker and the fleet-wide rate limit before it leaves the
// process.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"marketfeed/internal/aggregator"
	"marketfeed/internal/guard"
	"marketfeed/internal/models"
	"marketfeed/internal/repository"
)

// ErrRateLimited is returned when the fleet-wide window is exhausted.
var ErrRateLimited = fmt.Errorf("backfill: rate limited")

// CandleStore is the slice of the repository the backfiller writes to.
type CandleStore interface {
	BatchUpsert(ctx context.Context, candles []*models.Candle) (repository.BatchStats, error)
	LatestBucket(ctx context.Context, securityID uint32, interval string) (time.Time, error)
}

// apiCandle is the broker's historical-data JSON row.
type apiCandle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    uint64  `json:"volume"`
	OI        *uint32 `json:"oi,omitempty"`
}

type apiResponse struct {
	Candles []apiCandle `json:"candles"`
}

// Client fetches historical candles with upstream protection layered in
// this order: circuit breaker, fleet-wide fixed window, then a local
// smoother so one worker cannot burn the shared budget in a burst.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *guard.CircuitBreaker
	shared  *guard.RateLimiter
	local   *rate.Limiter
	logger  *logrus.Logger

	sharedKey    string
	sharedMax    int64
	sharedWindow time.Duration
}

type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// Fleet-wide window, enforced through the shared store.
	SharedKey    string
	SharedMax    int64
	SharedWindow time.Duration

	// Local requests/second smoothing.
	LocalRPS   float64
	LocalBurst int
}

func NewClient(cfg ClientConfig, breaker *guard.CircuitBreaker, shared *guard.RateLimiter, logger *logrus.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SharedKey == "" {
		cfg.SharedKey = "backfill"
	}
	if cfg.SharedMax <= 0 {
		cfg.SharedMax = 100
	}
	if cfg.SharedWindow <= 0 {
		cfg.SharedWindow = time.Minute
	}
	if cfg.LocalRPS <= 0 {
		cfg.LocalRPS = 2
	}
	if cfg.LocalBurst <= 0 {
		cfg.LocalBurst = 1
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		token:        cfg.Token,
		http:         &http.Client{Timeout: cfg.Timeout},
		breaker:      breaker,
		shared:       shared,
		local:        rate.NewLimiter(rate.Limit(cfg.LocalRPS), cfg.LocalBurst),
		logger:       logger,
		sharedKey:    cfg.SharedKey,
		sharedMax:    cfg.SharedMax,
		sharedWindow: cfg.SharedWindow,
	}
}

// FetchCandles retrieves [from, to) candles for one instrument. Callers
// should treat guard.ErrUpstreamUnavailable and ErrRateLimited as
// retry-later, not failure.
func (c *Client) FetchCandles(ctx context.Context, securityID uint32, segment uint8, interval string, from, to time.Time) ([]*models.Candle, error) {
	if err := c.breaker.Allow(ctx); err != nil {
		return nil, err
	}

	ok, err := c.shared.Attempt(ctx, c.sharedKey, c.sharedMax, c.sharedWindow)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRateLimited
	}

	if err := c.local.Wait(ctx); err != nil {
		return nil, err
	}

	candles, err := c.fetch(ctx, securityID, segment, interval, from, to)
	if err != nil {
		if reportErr := c.breaker.ReportFailure(ctx); reportErr != nil {
			c.logger.WithError(reportErr).Warn("Failed to report breaker failure")
		}
		return nil, err
	}
	if err := c.breaker.ReportSuccess(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to report breaker success")
	}
	return candles, nil
}

func (c *Client) fetch(ctx context.Context, securityID uint32, segment uint8, interval string, from, to time.Time) ([]*models.Candle, error) {
	q := url.Values{}
	q.Set("security_id", fmt.Sprint(securityID))
	q.Set("segment", fmt.Sprint(segment))
	q.Set("interval", interval)
	q.Set("from", fmt.Sprint(from.Unix()))
	q.Set("to", fmt.Sprint(to.Unix()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/charts/historical?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build historical request: %w", err)
	}
	req.Header.Set("access-token", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("historical request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("historical request: status %d", resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode historical response: %w", err)
	}

	now := time.Now().UTC()
	candles := make([]*models.Candle, 0, len(body.Candles))
	for _, row := range body.Candles {
		candle := &models.Candle{
			SecurityID:   securityID,
			Interval:     interval,
			BucketTS:     time.Unix(row.Timestamp, 0).UTC(),
			Open:         decimal.NewFromFloat(row.Open).Round(2),
			High:         decimal.NewFromFloat(row.High).Round(2),
			Low:          decimal.NewFromFloat(row.Low).Round(2),
			Close:        decimal.NewFromFloat(row.Close).Round(2),
			Volume:       row.Volume,
			OpenInterest: row.OI,
			Source:       "backfill",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		candle.Seal()
		candles = append(candles, candle)
	}
	return candles, nil
}

// Backfiller repairs one instrument's candle history: fetch, gap-fill,
// upsert.
type Backfiller struct {
	client   *Client
	store    CandleStore
	strategy aggregator.FillStrategy
	logger   *logrus.Logger
}

func NewBackfiller(client *Client, store CandleStore, strategy aggregator.FillStrategy, logger *logrus.Logger) *Backfiller {
	if !strategy.Valid() {
		strategy = aggregator.FillForward
	}
	return &Backfiller{client: client, store: store, strategy: strategy, logger: logger}
}

// Backfill fetches [from, to) for one instrument, fills interior gaps,
// and upserts the result. History already stored for the instrument is
// skipped: the effective start is max(from, latest stored bucket).
// Returns the write stats.
func (b *Backfiller) Backfill(ctx context.Context, securityID uint32, segment uint8, symbol, interval string, from, to time.Time) (repository.BatchStats, error) {
	latest, err := b.store.LatestBucket(ctx, securityID, interval)
	if err != nil {
		return repository.BatchStats{}, fmt.Errorf("latest bucket for %s: %w", symbol, err)
	}
	if latest.After(from) {
		from = latest
	}
	if !from.Before(to) {
		return repository.BatchStats{}, nil
	}

	candles, err := b.client.FetchCandles(ctx, securityID, segment, interval, from, to)
	if err != nil {
		return repository.BatchStats{}, err
	}
	if len(candles) == 0 {
		b.logger.WithFields(logrus.Fields{
			"symbol":   symbol,
			"interval": interval,
		}).Info("Backfill returned no candles")
		return repository.BatchStats{}, nil
	}

	for _, candle := range candles {
		candle.Symbol = symbol
	}

	filled, err := aggregator.FillGaps(candles, interval, b.strategy)
	if err != nil {
		return repository.BatchStats{}, fmt.Errorf("fill gaps for %s: %w", symbol, err)
	}

	stats, err := b.store.BatchUpsert(ctx, filled)
	if err != nil {
		return stats, fmt.Errorf("upsert backfill for %s: %w", symbol, err)
	}

	b.logger.WithFields(logrus.Fields{
		"symbol":    symbol,
		"interval":  interval,
		"fetched":   len(candles),
		"gapfilled": len(filled) - len(candles),
		"inserted":  stats.Inserted,
		"unchanged": stats.Unchanged,
		"conflicts": stats.Conflicts,
	}).Info("📥 Backfill completed")
	return stats, nil
}
