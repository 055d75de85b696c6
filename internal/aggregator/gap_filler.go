package aggregator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/internal/models"
)

// FillStrategy decides what price a synthetic candle carries.
type FillStrategy string

const (
	// FillForward repeats the previous candle's close.
	FillForward FillStrategy = "forward"
	// FillBackward mirrors the next candle's close.
	FillBackward FillStrategy = "backward"
	// FillInterpolate walks linearly between the two bounding closes.
	FillInterpolate FillStrategy = "interpolate"
)

func (s FillStrategy) Valid() bool {
	switch s {
	case FillForward, FillBackward, FillInterpolate:
		return true
	}
	return false
}

// FillGaps returns the series with every missing bucket between
// consecutive candles filled by a synthetic zero-volume candle. The input
// must be sorted by bucket with no duplicates; candles keep their order
// in the output.
func FillGaps(candles []*models.Candle, interval string, strategy FillStrategy) ([]*models.Candle, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown fill strategy %q", strategy)
	}
	dur, err := models.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if len(candles) < 2 {
		return candles, nil
	}

	step := int64(dur / time.Second)
	out := make([]*models.Candle, 0, len(candles))
	out = append(out, candles[0])

	for i := 1; i < len(candles); i++ {
		prev, next := candles[i-1], candles[i]
		prevTS := prev.BucketTS.Unix()
		nextTS := next.BucketTS.Unix()

		if nextTS <= prevTS {
			return nil, fmt.Errorf("candle series not strictly increasing at %s (%d then %d)", next.Symbol, prevTS, nextTS)
		}

		missing := (nextTS-prevTS)/step - 1
		for g := int64(1); g <= missing; g++ {
			price := fillPrice(prev, next, strategy, g, missing)
			out = append(out, syntheticCandle(prev, prevTS+g*step, price))
		}
		out = append(out, next)
	}
	return out, nil
}

// fillPrice picks the synthetic candle's flat price for gap slot g of
// missing (both 1-based from the gap's start).
func fillPrice(prev, next *models.Candle, strategy FillStrategy, g, missing int64) decimal.Decimal {
	switch strategy {
	case FillBackward:
		return next.Close
	case FillInterpolate:
		span := decimal.NewFromInt(missing + 1)
		delta := next.Close.Sub(prev.Close).Div(span)
		return prev.Close.Add(delta.Mul(decimal.NewFromInt(g))).Round(2)
	default:
		return prev.Close
	}
}

func syntheticCandle(prev *models.Candle, bucketTS int64, price decimal.Decimal) *models.Candle {
	now := time.Now().UTC()
	candle := &models.Candle{
		SecurityID: prev.SecurityID,
		Symbol:     prev.Symbol,
		Interval:   prev.Interval,
		BucketTS:   time.Unix(bucketTS, 0).UTC(),
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		Volume:     0,
		Source:     "gapfill",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	candle.Seal()
	return candle
}
