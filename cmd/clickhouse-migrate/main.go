// clickhouse-migrate creates the candles schema. Run once per
// environment before starting workers; re-running is harmless.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"

	"marketfeed/internal/config"
)

const createCandlesTable = `
CREATE TABLE IF NOT EXISTS candles (
    security_id   UInt32,
    symbol        LowCardinality(String),
    interval      LowCardinality(String),
    bucket_ts     DateTime,
    open          Float64 CODEC(DoubleDelta, LZ4),
    high          Float64 CODEC(DoubleDelta, LZ4),
    low           Float64 CODEC(DoubleDelta, LZ4),
    close         Float64 CODEC(DoubleDelta, LZ4),
    volume        UInt64,
    open_interest Nullable(UInt32),
    checksum      UInt64,
    source        LowCardinality(String),
    created_at    DateTime DEFAULT now(),
    updated_at    DateTime DEFAULT now(),

    INDEX idx_symbol symbol TYPE bloom_filter GRANULARITY 4
)
ENGINE = ReplacingMergeTree(updated_at)
PARTITION BY toYYYYMM(bucket_ts)
ORDER BY (security_id, interval, bucket_ts)
`

func main() {
	drop := flag.Bool("drop", false, "drop the candles table before creating it")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr()},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to open ClickHouse connection")
	}
	defer conn.Close()

	if err := conn.Ping(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ping ClickHouse")
	}

	if *drop {
		logger.Warn("Dropping candles table")
		if err := conn.Exec(ctx, `DROP TABLE IF EXISTS candles`); err != nil {
			logger.WithError(err).Fatal("Failed to drop candles table")
		}
	}

	if err := conn.Exec(ctx, createCandlesTable); err != nil {
		logger.WithError(err).Fatal("Failed to create candles table")
	}

	logger.WithFields(logrus.Fields{
		"database": cfg.ClickHouse.Database,
		"table":    "candles",
	}).Info("✅ Migration complete")
}
