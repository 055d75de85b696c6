package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"marketfeed/internal/aggregator"
	"marketfeed/internal/cache"
	"marketfeed/internal/config"
	"marketfeed/internal/coord"
	"marketfeed/internal/feed"
	"marketfeed/internal/metrics"
	"marketfeed/internal/pubsub"
	"marketfeed/internal/registry"
	"marketfeed/internal/repository"
	"marketfeed/internal/router"
	"marketfeed/internal/store"
)

// claimSource exposes this worker's claimed subscriptions to the feed
// connections for replay after (re)connects.
type claimSource struct {
	reg      *registry.Registry
	workerID string
}

func (s *claimSource) Subscriptions(ctx context.Context) ([]registry.Subscription, error) {
	return s.reg.Claimed(ctx, s.workerID)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"worker_id":   cfg.Worker.ID,
		"connections": cfg.Feed.Connections,
		"intervals":   cfg.Candle.Intervals,
	}).Info("🚀 Starting market feed worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis: coordination store, cache, pub/sub.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()
	logger.WithField("addr", cfg.Redis.Addr()).Info("✅ Connected to Redis")

	// ClickHouse: candle storage.
	chConn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr()},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to open ClickHouse connection")
	}
	if err := chConn.Ping(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ping ClickHouse")
	}
	defer chConn.Close()
	logger.WithField("addr", cfg.ClickHouse.Addr()).Info("✅ Connected to ClickHouse")

	kv := store.NewRedis(redisClient)

	// Instrument catalog and subscription registry.
	instruments, err := registry.LoadInstrumentsWithFallback(cfg.Instruments.File)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load instrument catalog")
	}
	symbols := registry.NewInstrumentMap(instruments)
	reg := registry.NewRegistry(kv)

	seeded, err := reg.Seed(ctx, instruments)
	if err != nil {
		logger.WithError(err).Fatal("Failed to seed subscription registry")
	}
	if seeded > 0 {
		logger.WithField("subscriptions", seeded).Info("🌱 Seeded subscription registry")
	}

	// Candle pipeline: aggregator -> writer, with cache and pub/sub fanout.
	repo := repository.NewCandleRepository(chConn, logger)
	candleCache := cache.NewCandleCache(redisClient, cfg.Candle.CacheTTL)

	var publisher aggregator.Publisher
	if cfg.Candle.PublishEnabled {
		publisher = pubsub.NewPublisher(redisClient)
	}

	agg, err := aggregator.New(aggregator.Config{
		Intervals: cfg.Candle.Intervals,
		OutBuffer: cfg.Candle.OutBuffer,
	}, symbols, candleCache, publisher, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build aggregator")
	}

	writer := repository.NewWriter(repository.WriterConfig{
		BatchSize:  cfg.Candle.WriteBatchSize,
		FlushEvery: cfg.Candle.WriteFlushEvery,
	}, repo, agg.Out(), logger)
	writer.Start()

	rtr := router.New(router.Config{
		BatchWindow: cfg.Router.BatchWindow,
		MaxBatch:    cfg.Router.MaxBatch,
		LaneBuffer:  cfg.Router.LaneBuffer,
	}, agg, logger)

	pipeline := feed.NewPipeline(rtr, logger)
	subs := &claimSource{reg: reg, workerID: cfg.Worker.ID}

	// Active-active feed connections.
	connections := make([]*feed.Connection, 0, cfg.Feed.Connections)
	for i := 0; i < cfg.Feed.Connections; i++ {
		conn := feed.NewConnection(feed.ConnectionConfig{
			Name:        fmt.Sprintf("conn-%d", i),
			URL:         cfg.Feed.DialURL(),
			ReadTimeout: cfg.Feed.ReadTimeout,
			BackoffCap:  cfg.Feed.BackoffCap,
		}, feed.GorillaDial, pipeline, subs, logger)
		conn.Start()
		connections = append(connections, conn)
	}

	// Fleet membership, leader election, dead-worker cleanup.
	leases := coord.NewLeaseCoordinator(kv)
	fleet := coord.NewFleet(coord.FleetConfig{
		WorkerID:     cfg.Worker.ID,
		HeartbeatTTL: cfg.Worker.HeartbeatTTL,
		SweepEvery:   cfg.Worker.SweepEvery,
	}, kv, leases, reg, logger)
	if err := fleet.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to join fleet")
	}

	// Claim poller: pick up pending subscriptions and replay them on the
	// live connections.
	claimStop := make(chan struct{})
	go claimLoop(ctx, cfg, reg, connections, logger, claimStop)

	// Stats monitor.
	statsStop := make(chan struct{})
	go statsLoop(rtr, logger, statsStop)

	httpServer := startHTTP(cfg, repo, rtr, logger)

	// Block until shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("🛑 Shutting down")

	close(claimStop)
	close(statsStop)

	// Order matters: stop the intake, drain the lanes, seal open candles,
	// flush the writer, then leave the fleet so claims are released last.
	for _, conn := range connections {
		conn.Stop()
	}
	rtr.Stop()
	agg.Flush()
	writer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if released, err := reg.Release(shutdownCtx, cfg.Worker.ID); err != nil {
		logger.WithError(err).Warn("Failed to release subscription claims")
	} else if released > 0 {
		logger.WithField("subscriptions", released).Info("Released subscription claims")
	}
	fleet.Stop(shutdownCtx)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}

	logger.Info("✅ Shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func claimLoop(ctx context.Context, cfg *config.Config, reg *registry.Registry, connections []*feed.Connection, logger *logrus.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(cfg.Worker.ClaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			claimCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			claimed, err := reg.ClaimPending(claimCtx, cfg.Worker.ID, cfg.Worker.MaxClaims)
			cancel()
			if err != nil {
				logger.WithError(err).Warn("Failed to claim pending subscriptions")
				continue
			}
			if len(claimed) == 0 {
				continue
			}

			logger.WithField("subscriptions", len(claimed)).Info("📡 Claimed pending subscriptions")
			for _, conn := range connections {
				conn.Resubscribe()
			}
		}
	}
}

func statsLoop(rtr *router.Router, logger *logrus.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			logger.WithFields(logrus.Fields{
				"frames_per_sec": fmt.Sprintf("%.1f", metrics.FrameRate.Rate()),
				"writes_per_sec": fmt.Sprintf("%.1f", metrics.CandleWriteRate.Rate()),
				"tick_lanes":     rtr.LaneCount(),
			}).Info("📊 Worker stats")
		}
	}
}

func startHTTP(cfg *config.Config, repo *repository.CandleRepository, rtr *router.Router, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		stats, err := repo.GetStats(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		out := map[string]interface{}{
			"worker_id":  cfg.Worker.ID,
			"tick_lanes": rtr.LaneCount(),
			"candles":    stats,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		logger.WithField("addr", server.Addr).Info("🌐 HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return server
}
