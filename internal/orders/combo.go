package orders

import (
	"sort"

	"trailstop/internal/metrics"
	"trailstop/internal/models"
)

// Allocation is one leg of a group: a held contract and the signed quantity
// the group owns.
type Allocation struct {
	Contract models.Contract
	Quantity int
}

// ComboUnits returns the order quantity of a combo built from allocations:
// the gcd of the absolute leg quantities.
func ComboUnits(allocs []Allocation) int {
	qty := make([]int, 0, len(allocs))
	for _, a := range allocs {
		qty = append(qty, a.Quantity)
	}
	return metrics.GCD(qty...)
}

// BuildComboContract builds a BAG contract over allocations with leg ratios
// reduced by their gcd. With invertLegs each leg carries the pre-inverted
// action for a SELL parent (long leg BUY, short leg SELL), since the terminal
// flips every leg of a SELL combo. Without it legs carry their natural
// closing action. Legs are ordered by contract id, so the first leg, whose
// increment schedule prices the combo, is the lowest contract id.
func BuildComboContract(allocs []Allocation, invertLegs bool) models.Contract {
	sorted := append([]Allocation(nil), allocs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Contract.ConID < sorted[j].Contract.ConID
	})

	units := ComboUnits(sorted)
	if units == 0 {
		units = 1
	}

	c := models.Contract{
		SecType:  models.SecTypeCombo,
		Exchange: "SMART",
		Currency: "USD",
	}
	for _, a := range sorted {
		if a.Quantity == 0 {
			continue
		}
		if c.Symbol == "" {
			c.Symbol = a.Contract.Symbol
			if a.Contract.Currency != "" {
				c.Currency = a.Contract.Currency
			}
		}
		c.ComboLegs = append(c.ComboLegs, models.ComboLeg{
			ConID:    a.Contract.ConID,
			Ratio:    absInt(a.Quantity) / units,
			Action:   legAction(a.Quantity, invertLegs),
			Exchange: legExchange(a.Contract),
		})
	}
	return c
}

func legAction(qty int, inverted bool) models.OrderAction {
	closing := models.ActionSell
	if qty < 0 {
		closing = models.ActionBuy
	}
	if inverted {
		return closing.Opposite()
	}
	return closing
}

func legExchange(c models.Contract) string {
	if c.Exchange != "" {
		return c.Exchange
	}
	return "SMART"
}

// SignedPrice converts a stop magnitude into the price sent to the terminal.
// Credit combos are priced negative.
func SignedPrice(magnitude float64, isCredit, combo bool) float64 {
	if combo && isCredit {
		return -magnitude
	}
	return magnitude
}

// ClosingAction returns the parent order action for a group.
func ClosingAction(allocs []Allocation) models.OrderAction {
	if len(allocs) == 1 && allocs[0].Quantity < 0 {
		return models.ActionBuy
	}
	return models.ActionSell
}

// TriggerMethodFor maps a trigger price type to the terminal's stop trigger
// method.
func TriggerMethodFor(t models.TriggerPriceType) models.TriggerMethod {
	switch t {
	case models.TriggerBid, models.TriggerAsk:
		return models.TriggerMethodBidAsk
	case models.TriggerMid:
		return models.TriggerMethodMidpoint
	case models.TriggerLast:
		return models.TriggerMethodLast
	default:
		return models.TriggerMethodDefault
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
