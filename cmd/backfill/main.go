// backfill fetches historical candles for the instrument catalog and
// upserts them into ClickHouse, repairing gaps along the way.
package main

import (
	"context"
	"errors"
	"flag"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-redis/redis/v8"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"marketfeed/internal/aggregator"
	"marketfeed/internal/backfill"
	"marketfeed/internal/config"
	"marketfeed/internal/guard"
	"marketfeed/internal/registry"
	"marketfeed/internal/repository"
	"marketfeed/internal/store"
)

func main() {
	interval := flag.String("interval", "1m", "candle interval to backfill")
	days := flag.Int("days", 7, "how many days back to fetch")
	strategy := flag.String("strategy", "", "gap fill strategy: forward, backward, interpolate")
	securityID := flag.Uint("security-id", 0, "backfill a single security id instead of the whole catalog")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if *strategy == "" {
		*strategy = cfg.Backfill.FillStrategy
	}
	fill := aggregator.FillStrategy(*strategy)
	if !fill.Valid() {
		logger.WithField("strategy", *strategy).Fatal("Unknown gap fill strategy")
	}

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	chConn, err := clickhouse.Open(&clickhouse.Options{
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
	defer chConn.Close()
	if err := chConn.Ping(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ping ClickHouse")
	}

	instruments, err := registry.LoadInstrumentsWithFallback(cfg.Instruments.File)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load instrument catalog")
	}
	if *securityID != 0 {
		var filtered []registry.Instrument
		for _, inst := range instruments {
			if inst.SecurityID == uint32(*securityID) {
				filtered = append(filtered, inst)
			}
		}
		if len(filtered) == 0 {
			logger.WithField("security_id", *securityID).Fatal("Security id not in catalog")
		}
		instruments = filtered
	}

	kv := store.NewRedis(redisClient)
	breaker := guard.NewCircuitBreaker("historical-api", kv, cfg.Backfill.BreakerThreshold, cfg.Backfill.BreakerTimeout, logger)
	limiter := guard.NewRateLimiter(kv)

	client := backfill.NewClient(backfill.ClientConfig{
		BaseURL:      cfg.Backfill.BaseURL,
		Token:        cfg.Feed.AccessToken,
		SharedMax:    cfg.Backfill.SharedMax,
		SharedWindow: cfg.Backfill.SharedWindow,
		LocalRPS:     cfg.Backfill.LocalRPS,
	}, breaker, limiter, logger)

	repo := repository.NewCandleRepository(chConn, logger)
	backfiller := backfill.NewBackfiller(client, repo, fill, logger)

	to := time.Now().UTC().Truncate(time.Minute)
	from := to.AddDate(0, 0, -*days)

	logger.WithFields(logrus.Fields{
		"instruments": len(instruments),
		"interval":    *interval,
		"from":        from.Format(time.RFC3339),
		"to":          to.Format(time.RFC3339),
		"strategy":    string(fill),
	}).Info("📥 Starting backfill")

	bar := progressbar.NewOptions(len(instruments),
		progressbar.OptionSetDescription("backfilling"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	jobs := make(chan registry.Instrument)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		total    repository.BatchStats
		failures int
	)

	for i := 0; i < cfg.Backfill.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for inst := range jobs {
				stats, err := backfiller.Backfill(ctx, inst.SecurityID, inst.Segment, inst.Symbol, *interval, from, to)

				mu.Lock()
				if err != nil {
					failures++
					if errors.Is(err, guard.ErrUpstreamUnavailable) || errors.Is(err, backfill.ErrRateLimited) {
						logger.WithError(err).WithField("symbol", inst.Symbol).Warn("Backfill deferred by upstream guard")
					} else {
						logger.WithError(err).WithField("symbol", inst.Symbol).Error("Backfill failed")
					}
				} else {
					total.Inserted += stats.Inserted
					total.Unchanged += stats.Unchanged
					total.Conflicts += stats.Conflicts
				}
				mu.Unlock()

				_ = bar.Add(1)
			}
		}()
	}

	for _, inst := range instruments {
		jobs <- inst
	}
	close(jobs)
	wg.Wait()

	logger.WithFields(logrus.Fields{
		"inserted":  total.Inserted,
		"unchanged": total.Unchanged,
		"conflicts": total.Conflicts,
		"failures":  failures,
	}).Info("✅ Backfill run finished")
}
