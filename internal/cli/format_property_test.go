package cli

import (
	"math"
	"regexp"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

var usdPattern = regexp.MustCompile(`^-?\$\d{1,3}(,\d{3})*\.\d{2}$`)

// Property: FormatUSD groups thousands, keeps two decimals and preserves the
// rounded value.
func TestProperty_USDFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("FormatUSD round-trips the cent value", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatUSD(amount)
			if !usdPattern.MatchString(formatted) {
				t.Logf("bad format for %f: %s", amount, formatted)
				return false
			}

			plain := strings.NewReplacer("$", "", ",", "").Replace(formatted)
			parsed, err := decimal.NewFromString(plain)
			if err != nil {
				return false
			}
			return parsed.Equal(decimal.NewFromFloat(amount).Round(2))
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("FormatPnL marks gains with a plus", prop.ForAll(
		func(pnl float64) bool {
			formatted := FormatPnL(pnl)
			rounded := math.Round(pnl*100) / 100
			switch {
			case rounded > 0:
				return strings.HasPrefix(formatted, "+$")
			case rounded < 0:
				return strings.HasPrefix(formatted, "-$")
			default:
				return formatted == "$0.00"
			}
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "$0.00"},
		{5.1, "$5.10"},
		{999.999, "$1,000.00"},
		{-1740, "-$1,740.00"},
		{1234567.891, "$1,234,567.89"},
		{-0.004, "$0.00"},
	}
	for _, tt := range tests {
		if got := FormatUSD(tt.in); got != tt.want {
			t.Errorf("FormatUSD(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatPriceKeepsCreditSign(t *testing.T) {
	if got := FormatPrice(-8.7); got != "-8.70" {
		t.Fatalf("FormatPrice(-8.7) = %q", got)
	}
	if got := FormatPrice(0); got != "-" {
		t.Fatalf("FormatPrice(0) = %q", got)
	}
}
