package ticks

import "strings"

// ComboTickRule is the documented combo tick size for an index or futures
// product where the terminal reports no usable rule for combo orders.
type ComboTickRule struct {
	ComboTick         float64
	SingleTickDefault float64
	Exchange          string
	Notes             string
}

var comboTickRules = map[string]ComboTickRule{
	"SPX": {
		ComboTick:         0.05,
		SingleTickDefault: 0.10,
		Exchange:          "CBOE",
		Notes:             "SPX complex orders trade in nickels; single legs 0.05 below 3.00, 0.10 above",
	},
	"SPXW": {
		ComboTick:         0.05,
		SingleTickDefault: 0.10,
		Exchange:          "CBOE",
		Notes:             "weeklies follow SPX",
	},
	"NDX": {
		ComboTick:         0.05,
		SingleTickDefault: 0.10,
		Exchange:          "CBOE",
		Notes:             "NDX complex orders trade in nickels",
	},
	"RUT": {
		ComboTick:         0.05,
		SingleTickDefault: 0.10,
		Exchange:          "CBOE",
		Notes:             "RUT complex orders trade in nickels",
	},
	"ES": {
		ComboTick:         0.05,
		SingleTickDefault: 0.05,
		Exchange:          "CME",
		Notes:             "ES options on futures, 0.05 index points",
	},
	"VIX": {
		ComboTick:         0.05,
		SingleTickDefault: 0.05,
		Exchange:          "CBOE",
		Notes:             "VIX options trade in nickels",
	},
}

// Penny pilot underlyings quote options in 0.01 below 3.00.
var pennyPilot = map[string]struct{}{
	"AAPL": {}, "AMZN": {}, "AMD": {}, "GOOGL": {}, "GOOG": {}, "META": {},
	"MSFT": {}, "NVDA": {}, "TSLA": {}, "SPY": {}, "QQQ": {}, "IWM": {},
	"DIA": {}, "XLF": {}, "GLD": {}, "SLV": {}, "NFLX": {}, "BABA": {},
	"BA": {}, "JPM": {}, "BAC": {}, "C": {}, "WFC": {}, "GS": {},
	"XOM": {}, "CVX": {}, "PFE": {}, "JNJ": {}, "UNH": {}, "MRK": {},
	"ABBV": {},
}

// LookupComboRule returns the static combo rule for a symbol.
func LookupComboRule(symbol string) (ComboTickRule, bool) {
	rule, ok := comboTickRules[strings.ToUpper(symbol)]
	return rule, ok
}

// IsPennyPilot reports whether the symbol is in the penny pilot program.
func IsPennyPilot(symbol string) bool {
	_, ok := pennyPilot[strings.ToUpper(symbol)]
	return ok
}
