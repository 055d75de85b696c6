// Package repository persists candles to ClickHouse with checksum-aware
// upserts: an identical rewrite is a no-op, a different rewrite of the
// same key is flagged as a conflict instead of silently overwritten.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketfeed/internal/metrics"
	"marketfeed/internal/models"
)

// ErrChecksumConflict marks a candle whose key already exists with
// different OHLCV content.
var ErrChecksumConflict = errors.New("repository: candle checksum conflict")

// UpsertResult is the outcome of writing one candle.
type UpsertResult int

const (
	UpsertInserted UpsertResult = iota
	UpsertUnchanged
	UpsertConflict
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertInserted:
		return "inserted"
	case UpsertUnchanged:
		return "unchanged"
	case UpsertConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// BatchStats summarizes one BatchUpsert call.
type BatchStats struct {
	Inserted  int
	Unchanged int
	Conflicts int
}

// CandleRepository reads and writes the candles table.
type CandleRepository struct {
	conn   driver.Conn
	logger *logrus.Logger
}

func NewCandleRepository(conn driver.Conn, logger *logrus.Logger) *CandleRepository {
	return &CandleRepository{conn: conn, logger: logger}
}

// UpsertCandle writes one candle. The existing row's checksum decides the
// outcome: absent inserts, equal is unchanged, different is a conflict
// and the stored row is left untouched.
func (r *CandleRepository) UpsertCandle(ctx context.Context, candle *models.Candle) (UpsertResult, error) {
	var existing uint64
	err := r.conn.QueryRow(ctx, `
		SELECT checksum FROM candles
		WHERE security_id = ? AND interval = ? AND bucket_ts = ?
		ORDER BY updated_at DESC LIMIT 1`,
		candle.SecurityID, candle.Interval, candle.BucketTS,
	).Scan(&existing)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := r.insert(ctx, candle); err != nil {
			metrics.CandleWrites.WithLabelValues("error").Inc()
			return UpsertInserted, err
		}
		metrics.CandleWrites.WithLabelValues("inserted").Inc()
		return UpsertInserted, nil

	case err != nil:
		metrics.CandleWrites.WithLabelValues("error").Inc()
		return UpsertUnchanged, fmt.Errorf("lookup candle %s/%s: %w", candle.Symbol, candle.Interval, err)

	case existing == candle.Checksum:
		metrics.CandleWrites.WithLabelValues("unchanged").Inc()
		return UpsertUnchanged, nil

	default:
		metrics.CandleWrites.WithLabelValues("conflict").Inc()
		metrics.ChecksumConflicts.Inc()
		r.logger.WithFields(logrus.Fields{
			"symbol":    candle.Symbol,
			"interval":  candle.Interval,
			"bucket_ts": candle.BucketTS.Unix(),
			"stored":    existing,
			"incoming":  candle.Checksum,
		}).Error("🚨 Candle checksum conflict")
		return UpsertConflict, ErrChecksumConflict
	}
}

func (r *CandleRepository) insert(ctx context.Context, candle *models.Candle) error {
	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO candles (
			security_id, symbol, interval, bucket_ts,
			open, high, low, close, volume,
			open_interest, checksum, source, created_at, updated_at
		)`)
	if err != nil {
		return fmt.Errorf("prepare candle insert: %w", err)
	}
	if err := appendCandle(batch, candle); err != nil {
		return err
	}
	return batch.Send()
}

func appendCandle(batch driver.Batch, candle *models.Candle) error {
	open, _ := candle.Open.Float64()
	high, _ := candle.High.Float64()
	low, _ := candle.Low.Float64()
	closeP, _ := candle.Close.Float64()

	if err := batch.Append(
		candle.SecurityID,
		candle.Symbol,
		candle.Interval,
		candle.BucketTS,
		open, high, low, closeP,
		candle.Volume,
		candle.OpenInterest,
		candle.Checksum,
		candle.Source,
		candle.CreatedAt,
		candle.UpdatedAt,
	); err != nil {
		return fmt.Errorf("append candle %s/%s: %w", candle.Symbol, candle.Interval, err)
	}
	return nil
}

// BatchUpsert writes a batch, checking each candle's key individually.
// Checksum conflicts are counted, logged by UpsertCandle, and skipped;
// only infrastructure errors abort the batch.
func (r *CandleRepository) BatchUpsert(ctx context.Context, candles []*models.Candle) (BatchStats, error) {
	start := time.Now()
	defer metrics.TrackLatency(start, metrics.CandleWriteLatency)

	var stats BatchStats
	for _, candle := range candles {
		result, err := r.UpsertCandle(ctx, candle)
		if err != nil && !errors.Is(err, ErrChecksumConflict) {
			return stats, err
		}
		switch result {
		case UpsertInserted:
			stats.Inserted++
			metrics.CandleWriteRate.Increment()
		case UpsertUnchanged:
			stats.Unchanged++
		case UpsertConflict:
			stats.Conflicts++
		}
	}
	return stats, nil
}

// GetCandles returns candles for an instrument and interval in
// [from, to), oldest first.
func (r *CandleRepository) GetCandles(ctx context.Context, securityID uint32, interval string, from, to time.Time) ([]*models.Candle, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT security_id, symbol, interval, bucket_ts,
		       open, high, low, close, volume,
		       open_interest, checksum, source, created_at, updated_at
		FROM candles FINAL
		WHERE security_id = ? AND interval = ? AND bucket_ts >= ? AND bucket_ts < ?
		ORDER BY bucket_ts`,
		securityID, interval, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var candles []*models.Candle
	for rows.Next() {
		candle, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, rows.Err()
}

func scanCandle(rows driver.Rows) (*models.Candle, error) {
	var (
		c                           models.Candle
		open, high, low, closePrice float64
	)
	if err := rows.Scan(
		&c.SecurityID, &c.Symbol, &c.Interval, &c.BucketTS,
		&open, &high, &low, &closePrice, &c.Volume,
		&c.OpenInterest, &c.Checksum, &c.Source, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan candle: %w", err)
	}
	c.Open = decimal.NewFromFloat(open).Round(2)
	c.High = decimal.NewFromFloat(high).Round(2)
	c.Low = decimal.NewFromFloat(low).Round(2)
	c.Close = decimal.NewFromFloat(closePrice).Round(2)
	return &c, nil
}

// LatestBucket returns the newest bucket timestamp stored for an
// instrument and interval, or the zero time when none exists.
func (r *CandleRepository) LatestBucket(ctx context.Context, securityID uint32, interval string) (time.Time, error) {
	var latest time.Time
	err := r.conn.QueryRow(ctx, `
		SELECT max(bucket_ts) FROM candles
		WHERE security_id = ? AND interval = ?`,
		securityID, interval,
	).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest bucket: %w", err)
	}
	return latest, nil
}

// GetStats reports table-level counts for the stats endpoint.
func (r *CandleRepository) GetStats(ctx context.Context) (map[string]uint64, error) {
	stats := make(map[string]uint64)

	var total uint64
	if err := r.conn.QueryRow(ctx, `SELECT count() FROM candles`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count candles: %w", err)
	}
	stats["total_candles"] = total

	rows, err := r.conn.Query(ctx, `SELECT source, count() FROM candles GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("count by source: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var count uint64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, err
		}
		stats["candles_"+source] = count
	}
	return stats, rows.Err()
}
