package connection

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"trailstop/internal/models"
)

func TestEntryPrices(t *testing.T) {
	long := models.Position{Contract: models.Contract{ConID: 1, Multiplier: 100}, Quantity: 3, AvgCost: 450}
	short := models.Position{Contract: models.Contract{ConID: 2, Multiplier: 100}, Quantity: -2, AvgCost: 800}
	noFills := models.Position{Contract: models.Contract{ConID: 3, Multiplier: 100}, Quantity: 1, AvgCost: 125}

	execs := []models.Execution{
		{ConID: 1, Side: models.SideBought, Shares: 1, Price: 4.00},
		{ConID: 1, Side: models.SideBought, Shares: 2, Price: 5.00},
		{ConID: 1, Side: models.SideSold, Shares: 1, Price: 9.00},
		{ConID: 2, Side: models.SideSold, Shares: 2, Price: 4.10},
		{ConID: 3, Side: models.SideSold, Shares: 1, Price: 2.00},
	}

	got := EntryPrices([]models.Position{long, short, noFills}, execs)

	if diff := got[1] - 14.0/3; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("long entry = %v, want weighted average of buys", got[1])
	}
	if got[2] != 4.10 {
		t.Fatalf("short entry = %v, want 4.10", got[2])
	}
	if got[3] != 1.25 {
		t.Fatalf("fallback entry = %v, want avg cost / multiplier 1.25", got[3])
	}
}

func TestBackOffSequence(t *testing.T) {
	b := newBackOff(5*time.Second, 2, 60*time.Second)
	want := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Second {
			t.Fatalf("delay %d = %v, want %v", i, got, w*time.Second)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != 5*time.Second {
		t.Fatalf("delay after Reset = %v, want 5s", got)
	}
}

// Property: reconnect delays never decrease and never exceed the cap.
func TestProperty_BackOffMonotonicCapped(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	properties.Property("delays are monotonic and capped", prop.ForAll(
		func(initial, factor, max float64) bool {
			initialD := time.Duration(initial * float64(time.Second))
			maxD := time.Duration(max * float64(time.Second))
			b := newBackOff(initialD, factor, maxD)
			limit := maxD
			if limit < initialD {
				limit = initialD
			}

			prev := time.Duration(0)
			for i := 0; i < 20; i++ {
				d := b.NextBackOff()
				if d < prev || d > limit {
					return false
				}
				prev = d
			}
			return true
		},
		gen.Float64Range(0.1, 30),
		gen.Float64Range(1, 4),
		gen.Float64Range(0.1, 300),
	))

	properties.TestingRun(t)
}
