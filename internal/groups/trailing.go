// Package groups owns trailing-stop groups: their trailing rules, the
// allocation ledger and the JSON group store.
package groups

import (
	"math"

	"trailstop/internal/models"
	"trailstop/internal/ticks"
)

// UpdateHWM returns the new high-water mark for trigger value v and whether
// it moved. Debit groups trail upward. Credit groups trail toward zero: a
// positive single short improves downward, a negative credit spread improves
// upward.
func UpdateHWM(isCredit bool, hwm, v float64) (float64, bool) {
	var better bool
	switch {
	case !isCredit:
		better = v > hwm
	case v >= 0:
		better = v < hwm || hwm == 0
	default:
		better = v > hwm || hwm == 0
	}
	if better {
		return v, true
	}
	return hwm, false
}

// StopPrice derives the stop trigger from the HWM. The result is a
// non-negative magnitude rounded to cents.
func StopPrice(hwm float64, mode models.TrailMode, value float64, isCredit bool) float64 {
	base := math.Abs(hwm)
	var stop float64
	switch mode {
	case models.TrailAbsolute:
		if isCredit {
			stop = base + value
		} else {
			stop = base - value
		}
	default:
		if isCredit {
			stop = base * (1 + value/100)
		} else {
			stop = base * (1 - value/100)
		}
	}
	return math.Max(0, ticks.Round2(stop))
}

// LimitPrice offsets a stop in the adverse direction.
func LimitPrice(stop, offset float64, isCredit bool) float64 {
	if stop == 0 {
		return 0
	}
	if isCredit {
		return ticks.Round2(stop + offset)
	}
	return math.Max(0, ticks.Round2(stop-offset))
}

// Triggered reports whether current has breached stop. Zero values mean not
// yet initialized and never trigger.
func Triggered(isCredit bool, current, stop float64) bool {
	if current == 0 || stop == 0 {
		return false
	}
	if isCredit {
		return math.Abs(current) >= stop
	}
	return current <= stop
}
