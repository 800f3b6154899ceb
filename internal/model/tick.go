package model

import "time"

// Tick represents a single market data tick from the live feed.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
	TS     time.Time `json:"ts"` // UTC timestamp
}
