package groups

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"trailstop/internal/models"
)

func TestStopPrice(t *testing.T) {
	tests := []struct {
		name     string
		hwm      float64
		mode     models.TrailMode
		value    float64
		isCredit bool
		want     float64
	}{
		{"debit percent", 10, models.TrailPercent, 15, false, 8.5},
		{"debit absolute", 10, models.TrailAbsolute, 2, false, 8.0},
		{"credit percent", 10, models.TrailPercent, 15, true, 11.5},
		{"credit absolute", 3.30, models.TrailAbsolute, 1, true, 4.30},
		{"credit spread negative hwm", -4.00, models.TrailPercent, 15, true, 4.6},
		{"absolute past zero clamps", 1.5, models.TrailAbsolute, 2, false, 0},
	}
	for _, tt := range tests {
		if got := StopPrice(tt.hwm, tt.mode, tt.value, tt.isCredit); got != tt.want {
			t.Fatalf("%s: StopPrice = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLimitPrice(t *testing.T) {
	if got := LimitPrice(8.5, 0.10, false); got != 8.4 {
		t.Fatalf("debit limit = %v, want 8.4", got)
	}
	if got := LimitPrice(11.5, 0.10, true); got != 11.6 {
		t.Fatalf("credit limit = %v, want 11.6", got)
	}
	if got := LimitPrice(0, 0.10, true); got != 0 {
		t.Fatalf("zero stop should give zero limit, got %v", got)
	}
}

func TestUpdateHWM(t *testing.T) {
	tests := []struct {
		name     string
		isCredit bool
		hwm, v   float64
		want     float64
		moved    bool
	}{
		{"debit rises", false, 10, 10.5, 10.5, true},
		{"debit falls", false, 10, 9.5, 10, false},
		{"debit equal", false, 10, 10, 10, false},
		{"short decays", true, 8, 7.5, 7.5, true},
		{"short rises", true, 8, 8.5, 8, false},
		{"short uninitialized", true, 0, 9, 9, true},
		{"credit spread toward zero", true, -5.00, -4.30, -4.30, true},
		{"credit spread away from zero", true, -5.00, -5.50, -5.00, false},
		{"credit spread uninitialized", true, 0, -5.50, -5.50, true},
	}
	for _, tt := range tests {
		got, moved := UpdateHWM(tt.isCredit, tt.hwm, tt.v)
		if got != tt.want || moved != tt.moved {
			t.Fatalf("%s: UpdateHWM = (%v, %v), want (%v, %v)", tt.name, got, moved, tt.want, tt.moved)
		}
	}
}

func TestTriggered(t *testing.T) {
	tests := []struct {
		name          string
		isCredit      bool
		current, stop float64
		want          bool
	}{
		{"debit breach", false, 8.00, 8.50, true},
		{"debit at stop", false, 8.50, 8.50, true},
		{"debit above", false, 9.00, 8.50, false},
		{"credit spread below threshold", true, -4.20, 5.20, false},
		{"credit spread breach", true, -5.50, 5.20, true},
		{"single short breach", true, 9.30, 9.20, true},
		{"zero current", false, 0, 8.50, false},
		{"zero stop", true, -5.50, 0, false},
	}
	for _, tt := range tests {
		if got := Triggered(tt.isCredit, tt.current, tt.stop); got != tt.want {
			t.Fatalf("%s: Triggered = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// Property: a debit HWM never decreases and a credit HWM never moves away
// from zero.
func TestProperty_HWMMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Debit HWM never decreases", prop.ForAll(
		func(values []float64) bool {
			hwm := 0.0
			for _, v := range values {
				next, _ := UpdateHWM(false, hwm, v)
				if next < hwm {
					return false
				}
				hwm = next
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0.01, 100)),
	))

	properties.Property("Credit spread HWM only moves toward zero", prop.ForAll(
		func(values []float64) bool {
			hwm := 0.0
			for _, v := range values {
				next, _ := UpdateHWM(true, hwm, v)
				if hwm != 0 && math.Abs(next) > math.Abs(hwm) {
					return false
				}
				hwm = next
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(-100, -0.01)),
	))

	properties.Property("Stop price is never negative", prop.ForAll(
		func(hwm, value float64, credit bool) bool {
			return StopPrice(hwm, models.TrailAbsolute, value, credit) >= 0 &&
				StopPrice(hwm, models.TrailPercent, value, credit) >= 0
		},
		gen.Float64Range(-100, 100),
		gen.Float64Range(0.01, 99),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
