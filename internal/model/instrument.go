package model

import (
	"strings"

	"fxpipeline/internal/calendar"
)

// Instrument represents a tradeable FX pair or spot metal.
type Instrument struct {
	Symbol string         `json:"symbol"` // e.g. "EURUSD", "XAUUSD"
	Class  calendar.Class `json:"class"`  // selects the market calendar
}

// metalPrefixes are the spot-metal base codes (gold, silver, platinum,
// palladium).
var metalPrefixes = []string{"XAU", "XAG", "XPT", "XPD"}

// ClassOf classifies a symbol as metal or forex by its base code.
func ClassOf(symbol string) calendar.Class {
	up := strings.ToUpper(symbol)
	for _, p := range metalPrefixes {
		if strings.HasPrefix(up, p) {
			return calendar.Metal
		}
	}
	return calendar.Forex
}

// PrimarySymbols is the default operator-configured instrument set driving
// periodic sweeps: the FX majors and crosses plus gold and silver.
var PrimarySymbols = []string{
	"EURUSD", "GBPUSD", "USDJPY", "USDCHF", "AUDUSD", "NZDUSD",
	"USDCAD", "EURGBP", "EURJPY", "XAUUSD", "XAGUSD",
}
