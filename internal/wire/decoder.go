// Package wire decodes the broker's little-endian binary feed protocol.
//
// Every frame starts with an 8-byte header: type code (u8), message length
// (u16), exchange segment (u8), security id (u32). The payload layout is
// fixed per type code. Decoding is pure: malformed input produces a Dropped
// result, never a panic and never I/O.
package wire

import (
	"encoding/binary"
	"math"
	"time"

	"marketfeed/internal/models"
)

// HeaderSize is the fixed frame header length.
const HeaderSize = 8

const depthLevels = 5

// DropReason explains why a frame was not decoded.
type DropReason string

const (
	DropTruncated   DropReason = "truncated"
	DropUnknownType DropReason = "unknown_type"
)

// Result is the decode outcome: either a tick or a drop reason.
type Result struct {
	Tick   *models.Tick
	Reason DropReason
}

// Dropped reports whether the frame was rejected.
func (r Result) Dropped() bool {
	return r.Tick == nil
}

// requiredLength returns the minimum total frame length for a type code.
func requiredLength(t models.PacketType) (int, bool) {
	switch t {
	case models.PacketTicker:
		return 17, true
	case models.PacketQuote:
		return 51, true
	case models.PacketOI:
		return 13, true
	case models.PacketPrevClose:
		return 17, true
	case models.PacketFull:
		return 163, true
	case models.PacketDisconnect:
		return 10, true
	default:
		return 0, false
	}
}

// Decode parses one raw frame. The declared length field in the header is
// not trusted; only the actual buffer length against the per-type minimum
// decides truncation.
func Decode(buf []byte, receivedAt time.Time) Result {
	if len(buf) < HeaderSize {
		return Result{Reason: DropTruncated}
	}

	ptype := models.PacketType(buf[0])
	need, known := requiredLength(ptype)
	if !known {
		return Result{Reason: DropUnknownType}
	}
	if len(buf) < need {
		return Result{Reason: DropTruncated}
	}

	tick := &models.Tick{
		Type:       ptype,
		SecurityID: binary.LittleEndian.Uint32(buf[4:8]),
		Segment:    buf[3],
		ReceivedAt: receivedAt,
	}

	switch ptype {
	case models.PacketTicker:
		tick.LTP = f32(buf, 8)
		tick.LTT = u32(buf, 12)

	case models.PacketQuote:
		tick.LTP = f32(buf, 8)
		tick.LTQ = uint32(u16(buf, 12))
		tick.LTT = u32(buf, 14)
		tick.ATP = f32(buf, 18)
		tick.Volume = u32(buf, 22)
		tick.TotalSellQty = u32(buf, 26)
		tick.TotalBuyQty = u32(buf, 30)
		tick.Open = f32(buf, 34)
		tick.Close = f32(buf, 38)
		tick.High = f32(buf, 42)
		tick.Low = f32(buf, 46)

	case models.PacketOI:
		tick.OI = u32(buf, 8)

	case models.PacketPrevClose:
		tick.PrevClose = f32(buf, 8)
		tick.PrevOI = u32(buf, 12)

	case models.PacketFull:
		tick.LTP = f32(buf, 8)
		tick.LTQ = uint32(u16(buf, 12))
		tick.LTT = u32(buf, 14)
		tick.ATP = f32(buf, 18)
		tick.Volume = u32(buf, 22)
		tick.TotalSellQty = u32(buf, 26)
		tick.TotalBuyQty = u32(buf, 30)
		tick.OI = u32(buf, 34)
		tick.OIHigh = u32(buf, 38)
		tick.OILow = u32(buf, 42)
		tick.Open = f32(buf, 46)
		tick.Close = f32(buf, 50)
		tick.High = f32(buf, 54)
		tick.Low = f32(buf, 58)
		tick.Depth = decodeDepth(buf, 62)

	case models.PacketDisconnect:
		tick.DisconnectCode = u16(buf, 8)
		tick.DisconnectReason = models.DisconnectReasonText(tick.DisconnectCode)
	}

	return Result{Tick: tick}
}

// decodeDepth reads five 20-byte market-depth levels starting at off.
func decodeDepth(buf []byte, off int) []models.DepthLevel {
	depth := make([]models.DepthLevel, 0, depthLevels)
	for i := 0; i < depthLevels; i++ {
		base := off + i*20
		depth = append(depth, models.DepthLevel{
			BidQty:    u32(buf, base),
			AskQty:    u32(buf, base+4),
			BidOrders: u16(buf, base+8),
			AskOrders: u16(buf, base+10),
			BidPrice:  f32(buf, base+12),
			AskPrice:  f32(buf, base+16),
		})
	}
	return depth
}

func u16(buf []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(buf[off : off+2])
}

func u32(buf []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(buf[off : off+4])
}

// f32 reads a little-endian float32 and rounds it to two decimals, the
// feed's tick-size convention.
func f32(buf []byte, off int) float64 {
	v := math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
	return math.Round(float64(v)*100) / 100
}
