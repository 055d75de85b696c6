package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func sampleCandle() *Candle {
	return &Candle{
		SecurityID: 2885,
		Symbol:     "RELIANCE",
		Interval:   "1m",
		BucketTS:   time.Unix(1700000040, 0).UTC(),
		Open:       decimal.RequireFromString("100.00"),
		High:       decimal.RequireFromString("104.50"),
		Low:        decimal.RequireFromString("99.25"),
		Close:      decimal.RequireFromString("101.75"),
		Volume:     50,
		Source:     "live",
	}
}

func TestChecksumStableAcrossRepresentations(t *testing.T) {
	a := sampleCandle()
	b := sampleCandle()
	// Same numeric values, different decimal exponents.
	b.Open = decimal.RequireFromString("100")
	b.High = decimal.RequireFromString("104.5000")

	if a.ComputeChecksum() != b.ComputeChecksum() {
		t.Fatal("checksum must not depend on decimal representation")
	}
}

func TestChecksumChangesWithContent(t *testing.T) {
	base := sampleCandle().ComputeChecksum()

	changed := sampleCandle()
	changed.Close = decimal.RequireFromString("101.76")
	if changed.ComputeChecksum() == base {
		t.Fatal("close change must change the checksum")
	}

	changed = sampleCandle()
	changed.Volume = 51
	if changed.ComputeChecksum() == base {
		t.Fatal("volume change must change the checksum")
	}

	// Identity fields are deliberately outside the checksum.
	changed = sampleCandle()
	changed.Symbol = "TCS"
	changed.BucketTS = changed.BucketTS.Add(time.Minute)
	if changed.ComputeChecksum() != base {
		t.Fatal("identity fields must not affect the checksum")
	}
}

func TestSealStampsChecksum(t *testing.T) {
	c := sampleCandle()
	if c.Checksum != 0 {
		t.Fatal("fresh candle should be unsealed")
	}
	c.Seal()
	if c.Checksum != c.ComputeChecksum() {
		t.Fatal("Seal must stamp the computed checksum")
	}
}

func TestParseInterval(t *testing.T) {
	for _, iv := range ValidIntervals() {
		if _, err := ParseInterval(iv); err != nil {
			t.Errorf("ParseInterval(%q): %v", iv, err)
		}
	}
	for _, bad := range []string{"", "7m", "1M", "60"} {
		if _, err := ParseInterval(bad); err == nil {
			t.Errorf("ParseInterval(%q) should fail", bad)
		}
	}
}

func TestBucketStart(t *testing.T) {
	cases := []struct {
		ts       int64
		interval time.Duration
		want     int64
	}{
		{1700000059, time.Minute, 1700000040},
		{1700000060, time.Minute, 1700000040},
		{1700000100, time.Minute, 1700000100},
		{1700000100, 5 * time.Minute, 1700000100},
		{1700000399, 5 * time.Minute, 1700000100},
		{1700000100, time.Hour, 1699999200},
	}
	for _, tc := range cases {
		if got := BucketStart(tc.ts, tc.interval); got != tc.want {
			t.Errorf("BucketStart(%d, %s) = %d, want %d", tc.ts, tc.interval, got, tc.want)
		}
	}
}

func TestTradeTimeFallsBackToReceiveTime(t *testing.T) {
	received := time.Unix(1700000123, 0).UTC()

	withLTT := &Tick{Type: PacketQuote, LTT: 1700000000, ReceivedAt: received}
	if got := withLTT.TradeTime().Unix(); got != 1700000000 {
		t.Fatalf("TradeTime = %d, want LTT", got)
	}

	withoutLTT := &Tick{Type: PacketQuote, ReceivedAt: received}
	if !withoutLTT.TradeTime().Equal(received) {
		t.Fatal("TradeTime should fall back to ReceivedAt when LTT is zero")
	}
}

func TestHasTrade(t *testing.T) {
	trades := map[PacketType]bool{
		PacketTicker:     true,
		PacketQuote:      true,
		PacketFull:       true,
		PacketOI:         false,
		PacketPrevClose:  false,
		PacketDisconnect: false,
	}
	for ptype, want := range trades {
		tick := &Tick{Type: ptype}
		if tick.HasTrade() != want {
			t.Errorf("HasTrade(%s) = %v, want %v", ptype, tick.HasTrade(), want)
		}
	}
}
