package metrics

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"trailstop/internal/models"
	"trailstop/internal/ticks"
)

func TestComputeEmpty(t *testing.T) {
	m := Compute(nil, models.TriggerMark)
	if m.PositionType != TypeEmpty || m.Mark != 0 || m.PnL != 0 {
		t.Fatalf("unexpected metrics for no legs: %+v", m)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		qtys []float64
		want string
	}{
		{"long", []float64{3}, TypeLong},
		{"short", []float64{-1}, TypeShort},
		{"vertical", []float64{5, -5}, TypeSpread},
		{"iron condor", []float64{1, -1, -1, 1}, TypeSpread},
		{"ratio", []float64{6, -2}, TypeRatio},
		{"butterfly", []float64{1, -2, 1}, TypeRatio},
	}
	for _, tt := range tests {
		legs := make([]Leg, len(tt.qtys))
		for i, q := range tt.qtys {
			legs[i] = Leg{ConID: i + 1, Quantity: q}
		}
		if got := Classify(legs); got != tt.want {
			t.Fatalf("%s: Classify = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestRatioUnitNormalization(t *testing.T) {
	legs := []Leg{
		{ConID: 1, Quantity: 6, Multiplier: 100, Quote: models.Quote{Mark: 2.00}},
		{ConID: 2, Quantity: -2, Multiplier: 100, Quote: models.Quote{Mark: 1.50}},
	}

	ratios := UnitRatios(legs)
	if ratios[1] != 3 || ratios[2] != -1 {
		t.Fatalf("expected +3/-1 unit, got %v", ratios)
	}

	m := Compute(legs, models.TriggerMark)
	if m.Units != 2 {
		t.Fatalf("expected 2 units, got %d", m.Units)
	}
	if m.Mark != 4.50 {
		t.Fatalf("expected unit mark 3*2.00-1.50=4.50, got %v", m.Mark)
	}
	if m.PositionType != TypeRatio {
		t.Fatalf("expected RATIO, got %s", m.PositionType)
	}
}

func TestDebitVertical(t *testing.T) {
	legs := []Leg{
		{ConID: 1, Quantity: 5, Multiplier: 100, FillPrice: 3.00,
			Quote: models.Quote{Bid: 3.9, Ask: 4.1, Mark: 4.0, Delta: 0.5}},
		{ConID: 2, Quantity: -5, Multiplier: 100, FillPrice: 1.00,
			Quote: models.Quote{Bid: 1.4, Ask: 1.6, Mark: 1.5, Delta: 0.3}},
	}

	m := Compute(legs, models.TriggerBid)
	if m.IsCredit {
		t.Fatal("debit vertical reported as credit")
	}
	if m.Bid != 2.3 || m.Ask != 2.7 || m.Mark != 2.5 {
		t.Fatalf("unexpected unit prices: bid=%v ask=%v mark=%v", m.Bid, m.Ask, m.Mark)
	}
	if m.Entry != 2.0 {
		t.Fatalf("expected entry 2.00, got %v", m.Entry)
	}
	if m.TotalCurrent != 1250 || m.TotalEntry != 1000 || m.PnL != 250 {
		t.Fatalf("unexpected totals: current=%v entry=%v pnl=%v", m.TotalCurrent, m.TotalEntry, m.PnL)
	}
	if m.TriggerValue != m.Bid {
		t.Fatalf("bid trigger should select unit bid, got %v", m.TriggerValue)
	}
	if m.Delta != 100 {
		t.Fatalf("expected delta 0.5*5*100-0.3*5*100=100, got %v", m.Delta)
	}
	if got := StopPnL(m, 2.2); got != 100 {
		t.Fatalf("expected stop P&L 100, got %v", got)
	}
}

func TestCreditSpread(t *testing.T) {
	legs := []Leg{
		{ConID: 1, Quantity: -2, Multiplier: 100, FillPrice: 5.00,
			Quote: models.Quote{Bid: 3.9, Ask: 4.1, Mark: 4.0, Delta: -0.4}},
		{ConID: 2, Quantity: 2, Multiplier: 100, FillPrice: 2.00,
			Quote: models.Quote{Bid: 1.4, Ask: 1.6, Mark: 1.5, Delta: -0.2}},
	}

	m := Compute(legs, models.TriggerMark)
	if !m.IsCredit {
		t.Fatal("credit spread reported as debit")
	}
	if m.Entry != -3.0 || m.Mark != -2.5 {
		t.Fatalf("expected negative unit prices, got entry=%v mark=%v", m.Entry, m.Mark)
	}
	if m.TotalEntry != -600 || m.PnL != 100 {
		t.Fatalf("unexpected totals: entry=%v pnl=%v", m.TotalEntry, m.PnL)
	}
	if m.Delta != 40 {
		t.Fatalf("expected delta 40, got %v", m.Delta)
	}
	if got := StopPnL(m, 3.45); got != -90 {
		t.Fatalf("expected stop P&L -90, got %v", got)
	}
}

func TestSingleShortUsesOwnQuote(t *testing.T) {
	legs := []Leg{
		{ConID: 1, Quantity: -1, Multiplier: 100, FillPrice: 10,
			Quote: models.Quote{Bid: 8, Ask: 8.4, Mid: 8.2}},
	}

	m := Compute(legs, models.TriggerMark)
	if m.PositionType != TypeShort || !m.IsCredit {
		t.Fatalf("expected credit SHORT, got %+v", m)
	}
	if m.Mark != 8.2 || m.Bid != 8 || m.Ask != 8.4 || m.Entry != 10 {
		t.Fatalf("single leg should show own prices, got %+v", m)
	}
	if m.TriggerValue != 8.2 {
		t.Fatalf("mark should fall back to mid, got %v", m.TriggerValue)
	}
}

func TestFallbacks(t *testing.T) {
	legs := []Leg{
		{ConID: 1, Quantity: 1, Quote: models.Quote{Mark: 2}},
		{ConID: 2, Quantity: -1, Quote: models.Quote{Mid: 0.5}},
	}
	m := Compute(legs, models.TriggerMid)
	// leg 1: mid falls back to mark, bid/ask to mark; leg 2: mark falls back to mid.
	if m.Mid != 1.5 || m.Mark != 1.5 || m.Bid != 1.5 || m.Ask != 1.5 {
		t.Fatalf("unexpected fallback prices: %+v", m)
	}
}

func TestStopPnLZeroInputs(t *testing.T) {
	if StopPnL(GroupMetrics{Entry: 2}, 0) != 0 {
		t.Fatal("zero stop should give zero stop P&L")
	}
	if StopPnL(GroupMetrics{}, 5) != 0 {
		t.Fatal("zero entry should give zero stop P&L")
	}
}

func TestGCD(t *testing.T) {
	if GCD(6, -2) != 2 || GCD(5, 5) != 5 || GCD() != 1 || GCD(0) != 1 {
		t.Fatal("unexpected GCD results")
	}
}

// Property: the unit mark of a +6/-2 ratio is 3*markA - markB.
func TestProperty_RatioUnitMark(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Unit mark follows unit ratio", prop.ForAll(
		func(markA, markB float64) bool {
			legs := []Leg{
				{ConID: 1, Quantity: 6, Multiplier: 100, Quote: models.Quote{Mark: markA}},
				{ConID: 2, Quantity: -2, Multiplier: 100, Quote: models.Quote{Mark: markB}},
			}
			m := Compute(legs, models.TriggerMark)
			return m.Mark == ticks.Round2(markA*3-markB)
		},
		gen.Float64Range(0.05, 50),
		gen.Float64Range(0.05, 50),
	))

	properties.TestingRun(t)
}

// Property: spread bid never exceeds spread ask when every leg has bid <= ask.
func TestProperty_SpreadBidBelowAsk(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Bid <= Ask", prop.ForAll(
		func(bidA, widthA, bidB, widthB float64, qty int) bool {
			legs := []Leg{
				{ConID: 1, Quantity: float64(qty), Multiplier: 100,
					Quote: models.Quote{Bid: bidA, Ask: bidA + widthA, Mark: bidA + widthA/2}},
				{ConID: 2, Quantity: -float64(qty), Multiplier: 100,
					Quote: models.Quote{Bid: bidB, Ask: bidB + widthB, Mark: bidB + widthB/2}},
			}
			m := Compute(legs, models.TriggerMark)
			return m.Bid <= m.Ask
		},
		gen.Float64Range(0.05, 20),
		gen.Float64Range(0, 1),
		gen.Float64Range(0.05, 20),
		gen.Float64Range(0, 1),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
