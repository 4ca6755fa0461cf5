// Package models provides domain models for the trailing-stop engine.
package models

import (
	"fmt"
	"math"
	"time"
)

// SecType represents the security type of a contract.
type SecType string

const (
	SecTypeStock     SecType = "STK"
	SecTypeOption    SecType = "OPT"
	SecTypeFutureOpt SecType = "FOP"
	SecTypeFuture    SecType = "FUT"
	SecTypeCombo     SecType = "BAG"
	SecTypeIndex     SecType = "IND"
)

// Right represents an option right.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
	RightNone Right = ""
)

// ComboLeg is one leg of a combo (BAG) contract.
type ComboLeg struct {
	ConID    int         `json:"con_id"`
	Ratio    int         `json:"ratio"`
	Action   OrderAction `json:"action"`
	Exchange string      `json:"exchange,omitempty"`
}

// Contract identifies a tradable instrument at the terminal.
type Contract struct {
	ConID      int        `json:"con_id"`
	Symbol     string     `json:"symbol"`
	SecType    SecType    `json:"sec_type"`
	Expiry     string     `json:"expiry,omitempty"` // YYYYMMDD
	Strike     float64    `json:"strike,omitempty"`
	Right      Right      `json:"right,omitempty"`
	Multiplier int        `json:"multiplier,omitempty"`
	Exchange   string     `json:"exchange,omitempty"`
	Currency   string     `json:"currency,omitempty"`
	ComboLegs  []ComboLeg `json:"combo_legs,omitempty"`
}

// IsCombo reports whether the contract is a multi-leg combo.
func (c Contract) IsCombo() bool {
	return c.SecType == SecTypeCombo
}

// EffectiveMultiplier returns the contract multiplier, defaulting to 1.
func (c Contract) EffectiveMultiplier() int {
	if c.Multiplier > 0 {
		return c.Multiplier
	}
	return 1
}

// DisplayName returns a short human-readable name.
func (c Contract) DisplayName() string {
	switch c.SecType {
	case SecTypeCombo:
		return fmt.Sprintf("%s COMBO (%d legs)", c.Symbol, len(c.ComboLegs))
	case SecTypeOption, SecTypeFutureOpt:
		return fmt.Sprintf("%s %s %g%s", c.Symbol, c.Expiry, c.Strike, c.Right)
	case SecTypeStock:
		return c.Symbol
	default:
		return fmt.Sprintf("%s %s", c.Symbol, c.SecType)
	}
}

// Position is one line of the held portfolio.
type Position struct {
	Contract      Contract `json:"contract"`
	Quantity      float64  `json:"quantity"`
	AvgCost       float64  `json:"avg_cost"`
	MarketPrice   float64  `json:"market_price"`
	MarketValue   float64  `json:"market_value"`
	UnrealizedPnL float64  `json:"unrealized_pnl"`
	TradingHours  string   `json:"trading_hours,omitempty"`
	LiquidHours   string   `json:"liquid_hours,omitempty"`
	TimeZoneID    string   `json:"time_zone_id,omitempty"`
}

// ConID returns the position's contract id.
func (p Position) ConID() int {
	return p.Contract.ConID
}

// IsLong reports whether the position quantity is positive.
func (p Position) IsLong() bool {
	return p.Quantity > 0
}

// PortfolioItem is a raw portfolio line as reported by the terminal.
type PortfolioItem struct {
	Contract      Contract `json:"contract"`
	Position      float64  `json:"position"`
	MarketPrice   float64  `json:"market_price"`
	MarketValue   float64  `json:"market_value"`
	AverageCost   float64  `json:"average_cost"`
	UnrealizedPnL float64  `json:"unrealized_pnl"`
	RealizedPnL   float64  `json:"realized_pnl"`
	Account       string   `json:"account,omitempty"`
}

// Tick is a streaming market data update for one contract. Every tick is a
// full quote snapshot: the bridge and the paper session send all fields, and
// a field the terminal has no value for arrives as zero.
type Tick struct {
	ConID     int       `json:"con_id"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Close     float64   `json:"close"`
	Mark      float64   `json:"mark"`
	Delta     float64   `json:"delta"`
	Gamma     float64   `json:"gamma"`
	Theta     float64   `json:"theta"`
	Vega      float64   `json:"vega"`
	Timestamp time.Time `json:"timestamp"`
}

// Quote is the latest quote snapshot for one contract.
type Quote struct {
	Bid   float64 `json:"bid"`
	Ask   float64 `json:"ask"`
	Last  float64 `json:"last"`
	Mid   float64 `json:"mid"`
	Mark  float64 `json:"mark"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// HasTwoSidedMarket reports whether both bid and ask are positive.
func (q Quote) HasTwoSidedMarket() bool {
	return q.Bid > 0 && q.Ask > 0
}

// PriceIncrement is one row of a price-dependent tick schedule.
type PriceIncrement struct {
	LowEdge   float64 `json:"low_edge"`
	Increment float64 `json:"increment"`
}

// ContractDetails carries the contract metadata needed for tick sizing and
// market hours.
type ContractDetails struct {
	Contract      Contract `json:"contract"`
	MinTick       float64  `json:"min_tick"`
	MarketRuleIDs []int    `json:"market_rule_ids"`
	ValidExchange string   `json:"valid_exchanges"`
	TradingHours  string   `json:"trading_hours"`
	LiquidHours   string   `json:"liquid_hours"`
	TimeZoneID    string   `json:"time_zone_id"`
}

// ExecutionSide is the side reported on a fill.
type ExecutionSide string

const (
	SideBought ExecutionSide = "BOT"
	SideSold   ExecutionSide = "SLD"
)

// Execution is a fill reported by the terminal.
type Execution struct {
	ExecID  string        `json:"exec_id"`
	ConID   int           `json:"con_id"`
	OrderID int           `json:"order_id"`
	Side    ExecutionSide `json:"side"`
	Shares  float64       `json:"shares"`
	Price   float64       `json:"price"`
	Time    time.Time     `json:"time"`
}

// SafeFloat maps NaN and infinities to 0.
func SafeFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
