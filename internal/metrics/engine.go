// Package metrics values a group of option legs as a single instrument.
package metrics

import (
	"math"

	"trailstop/internal/models"
	"trailstop/internal/ticks"
)

// Position types.
const (
	TypeEmpty  = "EMPTY"
	TypeLong   = "LONG"
	TypeShort  = "SHORT"
	TypeSpread = "SPREAD"
	TypeRatio  = "RATIO"
)

// Leg is one contract of a group with its live quote.
type Leg struct {
	ConID      int            `json:"con_id"`
	Symbol     string         `json:"symbol"`
	SecType    models.SecType `json:"sec_type"`
	Expiry     string         `json:"expiry,omitempty"`
	Strike     float64        `json:"strike,omitempty"`
	Right      models.Right   `json:"right,omitempty"`
	Quantity   float64        `json:"quantity"` // signed
	Multiplier int            `json:"multiplier"`
	FillPrice  float64        `json:"fill_price"`
	Quote      models.Quote   `json:"quote"`
}

// IsLong reports whether the leg quantity is positive.
func (l Leg) IsLong() bool {
	return l.Quantity > 0
}

func (l Leg) mult() float64 {
	if l.Multiplier > 0 {
		return float64(l.Multiplier)
	}
	return 1
}

// prices returns mark, mid, bid and ask with fallbacks applied.
func (l Leg) prices() (mark, mid, bid, ask float64) {
	q := l.Quote
	mark = q.Mark
	if mark <= 0 {
		mark = q.Mid
	}
	mid = q.Mid
	if mid <= 0 {
		mid = q.Mark
	}
	bid = q.Bid
	if bid <= 0 {
		bid = mark
	}
	ask = q.Ask
	if ask <= 0 {
		ask = mark
	}
	return mark, mid, bid, ask
}

// GroupMetrics is the valuation of a group. Prices are per unit; totals are
// scaled by quantity and multiplier.
type GroupMetrics struct {
	PositionType string `json:"position_type"`
	IsCredit     bool   `json:"is_credit"`
	Units        int    `json:"units"`

	Mark         float64 `json:"mark"`
	Mid          float64 `json:"mid"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Entry        float64 `json:"entry"`
	TriggerValue float64 `json:"trigger_value"`

	TotalCurrent float64 `json:"total_current"`
	TotalEntry   float64 `json:"total_entry"`
	PnL          float64 `json:"pnl"`

	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// Compute values legs and selects the trigger value for trigger.
func Compute(legs []Leg, trigger models.TriggerPriceType) GroupMetrics {
	if len(legs) == 0 {
		return GroupMetrics{PositionType: TypeEmpty}
	}

	units := UnitGCD(legs)
	m := GroupMetrics{PositionType: Classify(legs), Units: units}

	var unitMark, unitMid, unitBid, unitAsk, unitEntry float64
	var totalCurrent, totalEntry float64
	var delta, gamma, theta, vega float64

	for _, leg := range legs {
		absQty := math.Abs(leg.Quantity)
		u := math.Floor(absQty / float64(units))
		mult := leg.mult()
		mark, mid, bid, ask := leg.prices()

		if leg.IsLong() {
			unitMark += mark * u
			unitMid += mid * u
			unitBid += bid * u
			unitAsk += ask * u
			unitEntry += leg.FillPrice * u
			totalCurrent += mark * absQty * mult
			totalEntry += leg.FillPrice * absQty * mult
		} else {
			unitMark -= mark * u
			unitMid -= mid * u
			unitBid -= ask * u
			unitAsk -= bid * u
			unitEntry -= leg.FillPrice * u
			totalCurrent -= mark * absQty * mult
			totalEntry -= leg.FillPrice * absQty * mult
		}

		q := leg.Quote
		delta += q.Delta * leg.Quantity * mult
		gamma += q.Gamma * leg.Quantity * mult
		theta += q.Theta * leg.Quantity * mult
		vega += q.Vega * leg.Quantity * mult
	}

	// A single leg reads as its own quote.
	if len(legs) == 1 {
		unitMark, unitMid, unitBid, unitAsk = legs[0].prices()
		unitEntry = legs[0].FillPrice
	}

	m.IsCredit = totalEntry < 0
	m.TriggerValue = ticks.Round2(selectTrigger(trigger, unitMark, unitMid, unitBid, unitAsk))

	m.Mark = ticks.Round2(unitMark)
	m.Mid = ticks.Round2(unitMid)
	m.Bid = ticks.Round2(unitBid)
	m.Ask = ticks.Round2(unitAsk)
	m.Entry = ticks.Round2(unitEntry)
	m.TotalCurrent = ticks.Round2(totalCurrent)
	m.TotalEntry = ticks.Round2(totalEntry)
	m.PnL = ticks.Round2(totalCurrent - totalEntry)
	m.Delta = ticks.Round2(delta)
	m.Gamma = ticks.Round4(gamma)
	m.Theta = ticks.Round2(theta)
	m.Vega = ticks.Round2(vega)

	return m
}

func selectTrigger(t models.TriggerPriceType, mark, mid, bid, ask float64) float64 {
	switch t {
	case models.TriggerBid:
		return bid
	case models.TriggerAsk:
		return ask
	case models.TriggerMid:
		return mid
	default:
		// last is valued as mark, as the terminal's mark already tracks
		// last for options.
		return mark
	}
}

// Classify returns the position type of legs.
func Classify(legs []Leg) string {
	switch len(legs) {
	case 0:
		return TypeEmpty
	case 1:
		if legs[0].IsLong() {
			return TypeLong
		}
		return TypeShort
	}
	first := math.Abs(legs[0].Quantity)
	for _, leg := range legs[1:] {
		if math.Abs(leg.Quantity) != first {
			return TypeRatio
		}
	}
	return TypeSpread
}

// UnitGCD returns the GCD of the legs' absolute integer quantities, at least 1.
func UnitGCD(legs []Leg) int {
	g := 0
	for _, leg := range legs {
		g = gcd(g, int(math.Abs(leg.Quantity)))
	}
	if g == 0 {
		return 1
	}
	return g
}

// UnitRatios returns each leg's signed quantity divided by the GCD.
func UnitRatios(legs []Leg) map[int]int {
	g := UnitGCD(legs)
	out := make(map[int]int, len(legs))
	for _, leg := range legs {
		out[leg.ConID] = int(leg.Quantity) / g
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// GCD returns the greatest common divisor of the absolute values, at least 1.
func GCD(values ...int) int {
	g := 0
	for _, v := range values {
		if v < 0 {
			v = -v
		}
		g = gcd(g, v)
	}
	if g == 0 {
		return 1
	}
	return g
}

// StopPnL is the P&L realized if the stop fills at stop.
func StopPnL(m GroupMetrics, stop float64) float64 {
	if stop == 0 || m.Entry == 0 {
		return 0
	}
	var perUnit float64
	if m.IsCredit {
		perUnit = math.Abs(m.Entry) - math.Abs(stop)
	} else {
		perUnit = stop - m.Entry
	}
	scale := math.Abs(m.TotalEntry / m.Entry)
	return ticks.Round2(perUnit * scale)
}
