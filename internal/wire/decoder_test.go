package wire

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"marketfeed/internal/models"
)

type frameBuilder struct {
	buf []byte
}

func newFrame(ptype models.PacketType, totalLen int, segment uint8, securityID uint32) *frameBuilder {
	buf := make([]byte, totalLen)
	buf[0] = byte(ptype)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(totalLen))
	buf[3] = segment
	binary.LittleEndian.PutUint32(buf[4:8], securityID)
	return &frameBuilder{buf: buf}
}

func (f *frameBuilder) putF32(off int, v float32) *frameBuilder {
	binary.LittleEndian.PutUint32(f.buf[off:off+4], math.Float32bits(v))
	return f
}

func (f *frameBuilder) putU32(off int, v uint32) *frameBuilder {
	binary.LittleEndian.PutUint32(f.buf[off:off+4], v)
	return f
}

func (f *frameBuilder) putU16(off int, v uint16) *frameBuilder {
	binary.LittleEndian.PutUint16(f.buf[off:off+2], v)
	return f
}

func TestDecodeTicker(t *testing.T) {
	frame := newFrame(models.PacketTicker, 17, 1, 2885).
		putF32(8, 101.25).
		putU32(12, 1700000000)

	res := Decode(frame.buf, time.Now())
	if res.Dropped() {
		t.Fatalf("expected decode, got drop: %s", res.Reason)
	}

	tick := res.Tick
	if tick.Type != models.PacketTicker {
		t.Errorf("type = %v, want ticker", tick.Type)
	}
	if tick.SecurityID != 2885 {
		t.Errorf("security id = %d, want 2885", tick.SecurityID)
	}
	if tick.Segment != 1 {
		t.Errorf("segment = %d, want 1", tick.Segment)
	}
	if tick.LTP != 101.25 {
		t.Errorf("ltp = %v, want 101.25", tick.LTP)
	}
	if tick.LTT != 1700000000 {
		t.Errorf("ltt = %d, want 1700000000", tick.LTT)
	}
}

func TestDecodeQuote(t *testing.T) {
	frame := newFrame(models.PacketQuote, 51, 2, 11536).
		putF32(8, 3500.55).
		putU16(12, 25).
		putU32(14, 1700000060).
		putF32(18, 3498.10).
		putU32(22, 123456).
		putU32(26, 700).
		putU32(30, 900).
		putF32(34, 3490.00).
		putF32(38, 3500.55).
		putF32(42, 3510.20).
		putF32(46, 3485.75)

	res := Decode(frame.buf, time.Now())
	if res.Dropped() {
		t.Fatalf("expected decode, got drop: %s", res.Reason)
	}

	tick := res.Tick
	if tick.LTP != 3500.55 {
		t.Errorf("ltp = %v, want 3500.55", tick.LTP)
	}
	if tick.LTQ != 25 {
		t.Errorf("ltq = %d, want 25", tick.LTQ)
	}
	if tick.LTT != 1700000060 {
		t.Errorf("ltt = %d, want 1700000060", tick.LTT)
	}
	if tick.ATP != 3498.10 {
		t.Errorf("atp = %v, want 3498.10", tick.ATP)
	}
	if tick.Volume != 123456 {
		t.Errorf("volume = %d, want 123456", tick.Volume)
	}
	if tick.TotalSellQty != 700 || tick.TotalBuyQty != 900 {
		t.Errorf("sell/buy qty = %d/%d, want 700/900", tick.TotalSellQty, tick.TotalBuyQty)
	}
	if tick.Open != 3490.00 || tick.Close != 3500.55 || tick.High != 3510.20 || tick.Low != 3485.75 {
		t.Errorf("ohlc = %v/%v/%v/%v", tick.Open, tick.High, tick.Low, tick.Close)
	}
}

func TestDecodeOI(t *testing.T) {
	frame := newFrame(models.PacketOI, 13, 2, 49081).putU32(8, 987654)

	res := Decode(frame.buf, time.Now())
	if res.Dropped() {
		t.Fatalf("expected decode, got drop: %s", res.Reason)
	}
	if res.Tick.OI != 987654 {
		t.Errorf("oi = %d, want 987654", res.Tick.OI)
	}
}

func TestDecodePrevClose(t *testing.T) {
	frame := newFrame(models.PacketPrevClose, 17, 1, 1333).
		putF32(8, 1650.40).
		putU32(12, 444)

	res := Decode(frame.buf, time.Now())
	if res.Dropped() {
		t.Fatalf("expected decode, got drop: %s", res.Reason)
	}
	if res.Tick.PrevClose != 1650.40 {
		t.Errorf("prev close = %v, want 1650.40", res.Tick.PrevClose)
	}
	if res.Tick.PrevOI != 444 {
		t.Errorf("prev oi = %d, want 444", res.Tick.PrevOI)
	}
}

func TestDecodeFull(t *testing.T) {
	frame := newFrame(models.PacketFull, 163, 2, 49081).
		putF32(8, 250.10).
		putU16(12, 50).
		putU32(14, 1700000120).
		putF32(18, 249.80).
		putU32(22, 555000).
		putU32(26, 12000).
		putU32(30, 13000).
		putU32(34, 987654). // oi
		putU32(38, 990000). // oi high
		putU32(42, 980000). // oi low
		putF32(46, 248.00).
		putF32(50, 250.10).
		putF32(54, 251.90).
		putF32(58, 247.45)

	// depth levels, 20 bytes each from offset 62
	for i := 0; i < 5; i++ {
		base := 62 + i*20
		frame.putU32(base, uint32(100+i)).
			putU32(base+4, uint32(200+i)).
			putU16(base+8, uint16(3+i)).
			putU16(base+10, uint16(4+i)).
			putF32(base+12, float32(250.00)-float32(i)*0.05).
			putF32(base+16, float32(250.15)+float32(i)*0.05)
	}

	res := Decode(frame.buf, time.Now())
	if res.Dropped() {
		t.Fatalf("expected decode, got drop: %s", res.Reason)
	}

	tick := res.Tick
	if tick.OI != 987654 || tick.OIHigh != 990000 || tick.OILow != 980000 {
		t.Errorf("oi fields = %d/%d/%d", tick.OI, tick.OIHigh, tick.OILow)
	}
	if tick.Open != 248.00 || tick.High != 251.90 || tick.Low != 247.45 || tick.Close != 250.10 {
		t.Errorf("ohlc = %v/%v/%v/%v", tick.Open, tick.High, tick.Low, tick.Close)
	}
	if len(tick.Depth) != 5 {
		t.Fatalf("depth levels = %d, want 5", len(tick.Depth))
	}
	if tick.Depth[0].BidQty != 100 || tick.Depth[0].AskQty != 200 {
		t.Errorf("level 0 qty = %d/%d", tick.Depth[0].BidQty, tick.Depth[0].AskQty)
	}
	if tick.Depth[4].BidOrders != 7 || tick.Depth[4].AskOrders != 8 {
		t.Errorf("level 4 orders = %d/%d", tick.Depth[4].BidOrders, tick.Depth[4].AskOrders)
	}
	if tick.Depth[0].BidPrice != 250.00 {
		t.Errorf("level 0 bid price = %v, want 250.00", tick.Depth[0].BidPrice)
	}
	if tick.Depth[2].AskPrice != 250.25 {
		t.Errorf("level 2 ask price = %v, want 250.25", tick.Depth[2].AskPrice)
	}
}

func TestDecodeDisconnect(t *testing.T) {
	cases := []struct {
		code   uint16
		reason string
	}{
		{805, "max connections exceeded"},
		{800, "invalid token"},
		{801, "token expired"},
		{999, "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			frame := newFrame(models.PacketDisconnect, 10, 0, 0).putU16(8, tc.code)
			res := Decode(frame.buf, time.Now())
			if res.Dropped() {
				t.Fatalf("code %d: expected decode, got drop: %s", tc.code, res.Reason)
			}
			if res.Tick.DisconnectCode != tc.code {
				t.Errorf("code = %d, want %d", res.Tick.DisconnectCode, tc.code)
			}
			if res.Tick.DisconnectReason != tc.reason {
				t.Errorf("reason = %q, want %q", res.Tick.DisconnectReason, tc.reason)
			}
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	// shorter than the header
	res := Decode([]byte{0x02, 0x11, 0x00}, time.Now())
	if !res.Dropped() || res.Reason != DropTruncated {
		t.Fatalf("expected truncated drop, got %+v", res)
	}

	// full header but payload short of the per-type minimum
	for _, ptype := range []models.PacketType{
		models.PacketTicker, models.PacketQuote, models.PacketOI,
		models.PacketPrevClose, models.PacketFull, models.PacketDisconnect,
	} {
		need, _ := requiredLength(ptype)
		frame := newFrame(ptype, need, 1, 1)
		res := Decode(frame.buf[:need-1], time.Now())
		if !res.Dropped() || res.Reason != DropTruncated {
			t.Errorf("%v: expected truncated drop, got %+v", ptype, res)
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	frame := newFrame(models.PacketType(99), 32, 1, 1)
	res := Decode(frame.buf, time.Now())
	if !res.Dropped() || res.Reason != DropUnknownType {
		t.Fatalf("expected unknown-type drop, got %+v", res)
	}
}

func TestDecodeRoundsPrices(t *testing.T) {
	// 101.2499971... as float32 should round to 101.25
	frame := newFrame(models.PacketTicker, 17, 1, 7).
		putF32(8, 101.24999).
		putU32(12, 1700000000)

	res := Decode(frame.buf, time.Now())
	if res.Dropped() {
		t.Fatalf("unexpected drop: %s", res.Reason)
	}
	if res.Tick.LTP != 101.25 {
		t.Errorf("ltp = %v, want 101.25", res.Tick.LTP)
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	for size := 0; size < 64; size++ {
		buf := make([]byte, size)
		for b := 0; b < 256; b += 17 {
			if size > 0 {
				buf[0] = byte(b)
			}
			_ = Decode(buf, time.Time{})
		}
	}
}
