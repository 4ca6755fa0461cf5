package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trailstop/internal/metrics"
	"trailstop/internal/models"
	"trailstop/internal/trading"
)

// FormatUSD formats an amount as dollars with thousands separators.
func FormatUSD(amount float64) string {
	d := decimal.NewFromFloat(amount).Round(2)
	negative := d.IsNegative()
	str := d.Abs().StringFixed(2)

	parts := strings.SplitN(str, ".", 2)
	result := "$" + groupThousands(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// groupThousands inserts commas every three digits from the right.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPnL formats P&L with sign.
func FormatPnL(pnl float64) string {
	formatted := FormatUSD(pnl)
	if pnl > 0 && formatted != "$0.00" {
		return "+" + formatted
	}
	return formatted
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPrice formats an order price. Combo credit prices stay negative.
func FormatPrice(price float64) string {
	if price == 0 {
		return "-"
	}
	return decimal.NewFromFloat(price).StringFixed(2)
}

// FormatQuantity formats a signed leg quantity.
func FormatQuantity(qty float64) string {
	if qty > 0 {
		return fmt.Sprintf("+%g", qty)
	}
	return fmt.Sprintf("%g", qty)
}

// FormatTrail summarises a trail configuration on one line.
func FormatTrail(t models.TrailConfig) string {
	var b strings.Builder
	switch t.Mode {
	case models.TrailPercent:
		fmt.Fprintf(&b, "%.2f%%", t.Value)
	default:
		fmt.Fprintf(&b, "%.2f", t.Value)
	}
	fmt.Fprintf(&b, " %s on %s", t.StopType, t.TriggerPriceType)
	if t.StopType == models.StopLimit {
		fmt.Fprintf(&b, " (offset %.2f)", t.LimitOffset)
	}
	if t.TimeExitEnabled {
		fmt.Fprintf(&b, ", exit %s ET", t.TimeExitTime)
	}
	if !t.Enabled {
		b.WriteString(", trailing off")
	}
	return b.String()
}

// FormatLeg describes one leg like "-2 SPX 20251219 5800P".
func FormatLeg(l metrics.Leg) string {
	name := l.Symbol
	if l.SecType == models.SecTypeOption || l.Strike != 0 {
		name = fmt.Sprintf("%s %s %g%s", l.Symbol, l.Expiry, l.Strike, l.Right)
	}
	return fmt.Sprintf("%s %s", FormatQuantity(l.Quantity), name)
}

// FormatTime formats a time in US/Eastern.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(trading.Location("US/Eastern")).Format("15:04:05")
}

// FormatDateTime formats a datetime in US/Eastern.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(trading.Location("US/Eastern")).Format("2006-01-02 15:04:05")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
