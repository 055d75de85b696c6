// Package pubsub fans sealed candles and live prices out over Redis
// pub/sub for downstream consumers (alerting, UI streams).
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"marketfeed/internal/models"
)

const (
	candleChannelPrefix = "marketfeed:candles:"
	priceChannelPrefix  = "marketfeed:price:"
)

// Publisher writes events to Redis channels. Publishing to a channel with
// no subscribers is free, so the hot path never checks for listeners.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishCandle emits a sealed candle on
// "marketfeed:candles:{symbol}:{interval}".
func (p *Publisher) PublishCandle(ctx context.Context, candle *models.Candle) error {
	data, err := json.Marshal(candle)
	if err != nil {
		return fmt.Errorf("marshal candle event: %w", err)
	}
	channel := candleChannelPrefix + candle.Symbol + ":" + candle.Interval
	return p.client.Publish(ctx, channel, data).Err()
}

// PriceEvent is the payload of a live price update.
type PriceEvent struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	TS     time.Time `json:"ts"`
}

// PublishPrice emits the latest trade price on "marketfeed:price:{symbol}".
func (p *Publisher) PublishPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	data, err := json.Marshal(PriceEvent{Symbol: symbol, Price: price, TS: ts})
	if err != nil {
		return fmt.Errorf("marshal price event: %w", err)
	}
	return p.client.Publish(ctx, priceChannelPrefix+symbol, data).Err()
}
