package models

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

// Candle represents one OHLCV bar for an instrument. A candle is unique
// per (security id, interval, bucket timestamp) and immutable once closed.
type Candle struct {
	SecurityID   uint32          `json:"security_id"`
	Symbol       string          `json:"symbol"`
	Interval     string          `json:"interval"`
	BucketTS     time.Time       `json:"bucket_ts"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       uint64          `json:"volume"`
	OpenInterest *uint32         `json:"open_interest,omitempty"`
	Checksum     uint64          `json:"checksum"`
	Source       string          `json:"source"` // live, gapfill, backfill
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ComputeChecksum hashes the OHLCV payload. Two candles for the same key
// with different checksums are a data-integrity error, not an overwrite.
func (c *Candle) ComputeChecksum() uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d",
		c.Open.StringFixed(2),
		c.High.StringFixed(2),
		c.Low.StringFixed(2),
		c.Close.StringFixed(2),
		c.Volume,
	)
	return h.Sum64()
}

// Seal stamps the checksum onto the candle; call it when the bucket closes.
func (c *Candle) Seal() {
	c.Checksum = c.ComputeChecksum()
}

// ParseInterval converts an interval string to a duration. An unknown
// interval is an error rather than a default because it would silently
// corrupt bucket keys.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "1s":
		return time.Second, nil
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "2h":
		return 2 * time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown interval %q", interval)
	}
}

// BucketStart truncates an epoch-seconds trade time to the interval
// boundary: floor(ts / interval) * interval.
func BucketStart(epochSec int64, interval time.Duration) int64 {
	sec := int64(interval / time.Second)
	if sec <= 0 {
		sec = 60
	}
	return epochSec - epochSec%sec
}

// ValidIntervals returns the intervals the aggregator accepts.
func ValidIntervals() []string {
	return []string{"1s", "1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "1d"}
}
