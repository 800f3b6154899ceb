// Package agg builds M1 OHLCV candles from the live tick stream. It keeps
// one in-progress candle per symbol for the current minute bucket and
// emits the finalized candle when the minute rolls over.
package agg

import (
	"context"
	"log"
	"sync"
	"time"

	"fxpipeline/internal/calendar"
	"fxpipeline/internal/model"
	"fxpipeline/internal/timeframe"
)

// candleState holds the in-progress candle for one symbol in the current
// minute bucket.
type candleState struct {
	bucket time.Time
	candle model.Candle
}

// Aggregator builds M1 candles from a stream of ticks. It runs in a
// single goroutine and emits finalized candles when the minute rolls over.
// Ticks at market-closed instants are dropped (the instant form of the
// calendar gates the live path).
type Aggregator struct {
	mu     sync.Mutex
	states map[string]*candleState // key = symbol
	cal    *calendar.Calendar

	flushInterval time.Duration

	// Metrics hooks (optional, set externally)
	OnDroppedTick  func()
	OnClosedMarket func()
}

// New creates a new Aggregator.
func New(cal *calendar.Calendar) *Aggregator {
	return &Aggregator{
		states:        make(map[string]*candleState),
		cal:           cal,
		flushInterval: time.Second, // check frequency for bucket rollover
	}
}

// Run consumes ticks from tickCh, aggregates them into M1 candles, and
// sends finalized candles to candleCh. Blocks until ctx is cancelled or
// tickCh is closed; open candles are flushed on exit.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, candleCh chan<- model.Candle) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushAll(candleCh)
			return
		case tick, ok := <-tickCh:
			if !ok {
				a.flushAll(candleCh)
				return
			}
			a.Process(tick, candleCh)
		case <-ticker.C:
			a.flushOld(candleCh)
		}
	}
}

// Process incorporates a single tick into the per-symbol candle state.
func (a *Aggregator) Process(tick model.Tick, candleCh chan<- model.Candle) {
	bucket := timeframe.M1.Align(tick.TS)

	if !a.cal.IsOpen(model.ClassOf(tick.Symbol), bucket) {
		if a.OnClosedMarket != nil {
			a.OnClosedMarket()
		}
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, exists := a.states[tick.Symbol]

	if exists && bucket.Before(state.bucket) {
		// Late tick for an already-finalized minute; drop it.
		if a.OnDroppedTick != nil {
			a.OnDroppedTick()
		}
		return
	}

	if exists && bucket.After(state.bucket) {
		a.emit(state, candleCh)
		delete(a.states, tick.Symbol)
		exists = false
	}

	if !exists {
		a.states[tick.Symbol] = &candleState{
			bucket: bucket,
			candle: model.Candle{
				Symbol:    tick.Symbol,
				Timeframe: timeframe.M1,
				TS:        bucket,
				Open:      tick.Price,
				High:      tick.Price,
				Low:       tick.Price,
				Close:     tick.Price,
				Volume:    tick.Volume,
			},
		}
		return
	}

	c := &state.candle
	if tick.Price > c.High {
		c.High = tick.Price
	}
	if tick.Price < c.Low {
		c.Low = tick.Price
	}
	c.Close = tick.Price
	c.Volume += tick.Volume
}

// flushOld emits candles for any bucket strictly in the past.
func (a *Aggregator) flushOld(candleCh chan<- model.Candle) {
	cutoff := timeframe.M1.Align(time.Now().UTC())

	a.mu.Lock()
	defer a.mu.Unlock()

	for symbol, state := range a.states {
		if state.bucket.Before(cutoff) {
			a.emit(state, candleCh)
			delete(a.states, symbol)
		}
	}
}

// flushAll emits all open candles regardless of bucket.
func (a *Aggregator) flushAll(candleCh chan<- model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for symbol, state := range a.states {
		a.emit(state, candleCh)
		delete(a.states, symbol)
	}
}

// emit sends a finalized candle to candleCh. Non-blocking to avoid
// deadlocks against a stalled writer.
func (a *Aggregator) emit(state *candleState, candleCh chan<- model.Candle) {
	select {
	case candleCh <- state.candle:
	default:
		log.Printf("[agg] candleCh full, dropping candle %s ts=%v", state.candle.Symbol, state.candle.TS)
	}
}
