// Package config loads runtime configuration from the environment, with
// a .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marketfeed/internal/models"
)

type Config struct {
	Server      ServerConfig
	Worker      WorkerConfig
	Feed        FeedConfig
	Redis       RedisConfig
	ClickHouse  ClickHouseConfig
	Router      RouterConfig
	Candle      CandleConfig
	Backfill    BackfillConfig
	Instruments InstrumentsConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type WorkerConfig struct {
	ID           string
	HeartbeatTTL time.Duration
	SweepEvery   time.Duration
	MaxClaims    int
	ClaimEvery   time.Duration
}

type FeedConfig struct {
	URL         string
	AccessToken string
	ClientID    string
	Connections int
	ReadTimeout time.Duration
	BackoffCap  time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

type RouterConfig struct {
	BatchWindow time.Duration
	MaxBatch    int
	LaneBuffer  int
}

type CandleConfig struct {
	Intervals       []string
	OutBuffer       int
	WriteBatchSize  int
	WriteFlushEvery time.Duration
	CacheTTL        time.Duration
	PublishEnabled  bool
}

type BackfillConfig struct {
	BaseURL          string
	FillStrategy     string
	BreakerThreshold int
	BreakerTimeout   time.Duration
	SharedMax        int64
	SharedWindow     time.Duration
	LocalRPS         float64
	Workers          int
}

type InstrumentsConfig struct {
	File string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Worker: WorkerConfig{
			ID:           getEnv("WORKER_ID", defaultWorkerID()),
			HeartbeatTTL: parseDuration("WORKER_HEARTBEAT_TTL", 15*time.Second),
			SweepEvery:   parseDuration("WORKER_SWEEP_EVERY", 30*time.Second),
			MaxClaims:    getEnvInt("WORKER_MAX_CLAIMS", 0),
			ClaimEvery:   parseDuration("WORKER_CLAIM_EVERY", 10*time.Second),
		},
		Feed: FeedConfig{
			URL:         getEnv("FEED_URL", "wss://feed.example.com/marketfeed"),
			AccessToken: getEnv("FEED_ACCESS_TOKEN", ""),
			ClientID:    getEnv("FEED_CLIENT_ID", ""),
			Connections: getEnvInt("FEED_CONNECTIONS", 2),
			ReadTimeout: parseDuration("FEED_READ_TIMEOUT", 60*time.Second),
			BackoffCap:  parseDuration("FEED_BACKOFF_CAP", 30*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:     getEnvInt("CLICKHOUSE_PORT", 9000),
			Database: getEnv("CLICKHOUSE_DATABASE", "marketfeed"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Router: RouterConfig{
			BatchWindow: clampBatchWindow(parseDuration("ROUTER_BATCH_WINDOW", 25*time.Millisecond)),
			MaxBatch:    getEnvInt("ROUTER_MAX_BATCH", 64),
			LaneBuffer:  getEnvInt("ROUTER_LANE_BUFFER", 256),
		},
		Candle: CandleConfig{
			Intervals:       getEnvList("CANDLE_INTERVALS", []string{"1m", "5m"}),
			OutBuffer:       getEnvInt("CANDLE_OUT_BUFFER", 4096),
			WriteBatchSize:  getEnvInt("CANDLE_WRITE_BATCH", 100),
			WriteFlushEvery: parseDuration("CANDLE_WRITE_FLUSH_EVERY", 5*time.Second),
			CacheTTL:        parseDuration("CANDLE_CACHE_TTL", time.Hour),
			PublishEnabled:  getEnvBool("CANDLE_PUBLISH_ENABLED", true),
		},
		Backfill: BackfillConfig{
			BaseURL:          getEnv("BACKFILL_BASE_URL", "https://api.example.com"),
			FillStrategy:     getEnv("BACKFILL_FILL_STRATEGY", "forward"),
			BreakerThreshold: getEnvInt("BACKFILL_BREAKER_THRESHOLD", 5),
			BreakerTimeout:   parseDuration("BACKFILL_BREAKER_TIMEOUT", 30*time.Second),
			SharedMax:        int64(getEnvInt("BACKFILL_SHARED_MAX", 100)),
			SharedWindow:     parseDuration("BACKFILL_SHARED_WINDOW", time.Minute),
			LocalRPS:         getEnvFloat("BACKFILL_LOCAL_RPS", 2),
			Workers:          getEnvInt("BACKFILL_WORKERS", 4),
		},
		Instruments: InstrumentsConfig{
			File: getEnv("INSTRUMENTS_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would fail at runtime in
// non-obvious ways.
func (c *Config) Validate() error {
	if c.Worker.ID == "" {
		return fmt.Errorf("worker id must not be empty")
	}
	if c.Worker.HeartbeatTTL < 3*time.Second {
		return fmt.Errorf("heartbeat TTL %s too short, minimum 3s", c.Worker.HeartbeatTTL)
	}
	if c.Feed.Connections < 1 {
		return fmt.Errorf("feed connections must be at least 1")
	}
	for _, iv := range c.Candle.Intervals {
		if _, err := models.ParseInterval(iv); err != nil {
			return fmt.Errorf("candle intervals: %w", err)
		}
	}
	return nil
}

// Addr returns "host:port" for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Addr returns "host:port" for the ClickHouse client.
func (c ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DialURL builds the feed websocket URL with auth parameters attached.
func (f FeedConfig) DialURL() string {
	sep := "?"
	if strings.Contains(f.URL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%stoken=%s&clientId=%s&authType=2", f.URL, sep, f.AccessToken, f.ClientID)
}

// clampBatchWindow keeps the router's coalescing window inside the range
// that trades latency against batching sensibly.
func clampBatchWindow(window time.Duration) time.Duration {
	const (
		min = 10 * time.Millisecond
		max = 50 * time.Millisecond
	)
	if window < min {
		return min
	}
	if window > max {
		return max
	}
	return window
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
