package connection

import (
	"trailstop/internal/models"
)

// EntryPrices reconstructs a per-unit entry price for each position from
// recent fills. Opening fills are buys for a long and sells for a short; their
// quantity-weighted average wins. Without matching fills the terminal's
// average cost divided by the multiplier is used.
func EntryPrices(positions []models.Position, execs []models.Execution) map[int]float64 {
	type acc struct{ shares, notional float64 }
	fills := make(map[int]map[models.ExecutionSide]*acc)
	for _, e := range execs {
		if e.Shares <= 0 || e.Price <= 0 {
			continue
		}
		bySide, ok := fills[e.ConID]
		if !ok {
			bySide = make(map[models.ExecutionSide]*acc)
			fills[e.ConID] = bySide
		}
		a, ok := bySide[e.Side]
		if !ok {
			a = &acc{}
			bySide[e.Side] = a
		}
		a.shares += e.Shares
		a.notional += e.Shares * e.Price
	}

	out := make(map[int]float64, len(positions))
	for _, p := range positions {
		side := models.SideBought
		if p.Quantity < 0 {
			side = models.SideSold
		}
		if a, ok := fills[p.ConID()][side]; ok && a.shares > 0 {
			out[p.ConID()] = a.notional / a.shares
			continue
		}
		out[p.ConID()] = p.AvgCost / float64(p.Contract.EffectiveMultiplier())
	}
	return out
}
