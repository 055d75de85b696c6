package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Feed.Connections != 2 {
		t.Errorf("feed connections = %d, want 2", cfg.Feed.Connections)
	}
	if cfg.Router.BatchWindow != 25*time.Millisecond {
		t.Errorf("batch window = %s, want 25ms", cfg.Router.BatchWindow)
	}
	if cfg.Worker.ID == "" {
		t.Error("worker id should default to something non-empty")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FEED_CONNECTIONS", "3")
	t.Setenv("CANDLE_INTERVALS", "1m, 15m ,1h")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Feed.Connections != 3 {
		t.Errorf("feed connections = %d, want 3", cfg.Feed.Connections)
	}
	want := []string{"1m", "15m", "1h"}
	if len(cfg.Candle.Intervals) != len(want) {
		t.Fatalf("intervals = %v, want %v", cfg.Candle.Intervals, want)
	}
	for i, iv := range want {
		if cfg.Candle.Intervals[i] != iv {
			t.Errorf("interval[%d] = %q, want %q", i, cfg.Candle.Intervals[i], iv)
		}
	}
	if got := cfg.Redis.Addr(); got != "redis.internal:6380" {
		t.Errorf("redis addr = %q", got)
	}
}

func TestLoadRejectsBadInterval(t *testing.T) {
	t.Setenv("CANDLE_INTERVALS", "7m")
	if _, err := Load(); err == nil {
		t.Fatal("Load should reject unknown interval")
	}
}

func TestBatchWindowClamped(t *testing.T) {
	cases := map[string]time.Duration{
		"1ms":   10 * time.Millisecond,
		"10ms":  10 * time.Millisecond,
		"30ms":  30 * time.Millisecond,
		"500ms": 50 * time.Millisecond,
	}
	for in, want := range cases {
		t.Setenv("ROUTER_BATCH_WINDOW", in)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load(%s): %v", in, err)
		}
		if cfg.Router.BatchWindow != want {
			t.Errorf("batch window for %s = %s, want %s", in, cfg.Router.BatchWindow, want)
		}
	}
}

func TestFeedDialURL(t *testing.T) {
	f := FeedConfig{URL: "wss://feed.example.com/marketfeed", AccessToken: "tok", ClientID: "cid"}
	want := "wss://feed.example.com/marketfeed?token=tok&clientId=cid&authType=2"
	if got := f.DialURL(); got != want {
		t.Errorf("DialURL = %q, want %q", got, want)
	}

	f.URL = "wss://feed.example.com/marketfeed?v=2"
	if got := f.DialURL(); got != "wss://feed.example.com/marketfeed?v=2&token=tok&clientId=cid&authType=2" {
		t.Errorf("DialURL with existing query = %q", got)
	}
}
