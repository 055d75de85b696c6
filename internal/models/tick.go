// Package models holds the domain types shared across the pipeline:
// decoded ticks, OHLCV candles, and the interval helpers around them.
package models

import (
	"time"
)

// PacketType is the wire frame's type code.
type PacketType uint8

const (
	PacketTicker     PacketType = 2
	PacketQuote      PacketType = 4
	PacketOI         PacketType = 5
	PacketPrevClose  PacketType = 6
	PacketFull       PacketType = 8
	PacketDisconnect PacketType = 50
)

func (t PacketType) String() string {
	switch t {
	case PacketTicker:
		return "ticker"
	case PacketQuote:
		return "quote"
	case PacketOI:
		return "oi"
	case PacketPrevClose:
		return "prev_close"
	case PacketFull:
		return "full"
	case PacketDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// DepthLevel is one rung of the order book carried by full packets.
type DepthLevel struct {
	BidQty    uint32  `json:"bid_qty"`
	AskQty    uint32  `json:"ask_qty"`
	BidOrders uint16  `json:"bid_orders"`
	AskOrders uint16  `json:"ask_orders"`
	BidPrice  float64 `json:"bid_price"`
	AskPrice  float64 `json:"ask_price"`
}

// Tick is one decoded frame. It is a tagged union: which fields carry
// data depends on Type, everything else is zero.
type Tick struct {
	Type       PacketType `json:"type"`
	SecurityID uint32     `json:"security_id"`
	Segment    uint8      `json:"segment"`
	ReceivedAt time.Time  `json:"received_at"`

	// Trade fields (ticker, quote, full).
	LTP float64 `json:"ltp,omitempty"`
	LTQ uint32  `json:"ltq,omitempty"`
	LTT uint32  `json:"ltt,omitempty"` // epoch seconds, exchange clock

	// Session fields (quote, full).
	ATP          float64 `json:"atp,omitempty"`
	Volume       uint32  `json:"volume,omitempty"`
	TotalSellQty uint32  `json:"total_sell_qty,omitempty"`
	TotalBuyQty  uint32  `json:"total_buy_qty,omitempty"`
	Open         float64 `json:"open,omitempty"`
	High         float64 `json:"high,omitempty"`
	Low          float64 `json:"low,omitempty"`
	Close        float64 `json:"close,omitempty"`

	// Open interest fields (oi, full).
	OI     uint32 `json:"oi,omitempty"`
	OIHigh uint32 `json:"oi_high,omitempty"`
	OILow  uint32 `json:"oi_low,omitempty"`

	// Previous session fields (prev_close).
	PrevClose float64 `json:"prev_close,omitempty"`
	PrevOI    uint32  `json:"prev_oi,omitempty"`

	// Order book (full).
	Depth []DepthLevel `json:"depth,omitempty"`

	// Disconnect notice fields.
	DisconnectCode   uint16 `json:"disconnect_code,omitempty"`
	DisconnectReason string `json:"disconnect_reason,omitempty"`
}

// HasTrade reports whether the tick carries a last-trade price.
func (t *Tick) HasTrade() bool {
	switch t.Type {
	case PacketTicker, PacketQuote, PacketFull:
		return true
	}
	return false
}

// TradeTime returns the exchange trade time, falling back to the receive
// time for frames whose LTT is zero.
func (t *Tick) TradeTime() time.Time {
	if t.LTT == 0 {
		return t.ReceivedAt
	}
	return time.Unix(int64(t.LTT), 0).UTC()
}

// DisconnectReasonText maps the feed's disconnect codes to text.
func DisconnectReasonText(code uint16) string {
	switch code {
	case 800:
		return "invalid token"
	case 801:
		return "token expired"
	case 805:
		return "max connections exceeded"
	default:
		return "unknown"
	}
}
