package model

import (
	"encoding/json"
	"fmt"
	"time"

	"fxpipeline/internal/timeframe"
)

// Candle represents one OHLCV bar for a single instrument and timeframe.
// TS is the bucket start instant (UTC, aligned to the timeframe grid).
type Candle struct {
	Symbol    string              `json:"symbol"`
	Timeframe timeframe.Timeframe `json:"timeframe"`
	TS        time.Time           `json:"ts"`
	Open      float64             `json:"open"`
	High      float64             `json:"high"`
	Low       float64             `json:"low"`
	Close     float64             `json:"close"`
	Volume    float64             `json:"volume"`
	Spread    float64             `json:"spread,omitempty"`
}

// Key returns a unique key for this candle: "symbol:timeframe:unixTS".
func (c Candle) Key() string {
	return c.Symbol + ":" + string(c.Timeframe) + ":" + fmt.Sprint(c.TS.Unix())
}

// Degenerate reports whether all four OHLC values are identical. Degenerate
// candles are treated as suspected missing data by the integrity checks.
func (c Candle) Degenerate() bool {
	return c.Open == c.High && c.High == c.Low && c.Low == c.Close
}

// Validate checks the stored-candle invariants: low ≤ open,close ≤ high,
// non-negative volume, and a timeframe-aligned timestamp. A violation is
// returned as an InvariantViolation error; the offending record is meant
// to be dropped and logged, not to abort the batch.
func (c Candle) Validate() error {
	if !c.Timeframe.Valid() {
		return Invariant(fmt.Errorf("candle %s: invalid timeframe %q", c.Symbol, c.Timeframe))
	}
	if c.Low > c.High {
		return Invariant(fmt.Errorf("candle %s: low %v > high %v", c.Key(), c.Low, c.High))
	}
	if c.Open < c.Low || c.Open > c.High {
		return Invariant(fmt.Errorf("candle %s: open %v outside [%v, %v]", c.Key(), c.Open, c.Low, c.High))
	}
	if c.Close < c.Low || c.Close > c.High {
		return Invariant(fmt.Errorf("candle %s: close %v outside [%v, %v]", c.Key(), c.Close, c.Low, c.High))
	}
	if c.Volume < 0 {
		return Invariant(fmt.Errorf("candle %s: negative volume %v", c.Key(), c.Volume))
	}
	if !c.Timeframe.Aligned(c.TS) {
		return Invariant(fmt.Errorf("candle %s: timestamp %s not aligned to %s", c.Key(), c.TS.Format(time.RFC3339), c.Timeframe))
	}
	return nil
}

// Equal reports whether the two candles carry identical OHLCV values for
// the same key. The store uses this to make re-writes of an unchanged
// candle a no-op, which keeps rebuilds idempotent.
func (c Candle) Equal(other Candle) bool {
	return c.Symbol == other.Symbol &&
		c.Timeframe == other.Timeframe &&
		c.TS.Equal(other.TS) &&
		c.Open == other.Open &&
		c.High == other.High &&
		c.Low == other.Low &&
		c.Close == other.Close &&
		c.Volume == other.Volume
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
