// Package ticks resolves and applies price-dependent minimum tick sizes.
package ticks

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trailstop/internal/models"
)

// DefaultIncrement is used when nothing better is known.
const DefaultIncrement = 0.01

// DetailsSource is the subset of a terminal session the resolver loads from.
type DetailsSource interface {
	ContractDetails(ctx context.Context, conID int) (*models.ContractDetails, error)
	MarketRule(ctx context.Context, ruleID int) ([]models.PriceIncrement, error)
}

// Config holds resolver configuration.
type Config struct {
	DefaultTick       float64
	ComboFallbackTick float64
	Logger            zerolog.Logger
}

// Resolver caches per-contract increment schedules and contract details.
// Loads happen on the connection worker; lookups may come from any goroutine.
type Resolver struct {
	mu        sync.RWMutex
	schedules map[int][]models.PriceIncrement
	details   map[int]models.ContractDetails
	rules     map[int][]models.PriceIncrement

	defaultTick   float64
	comboFallback float64
	logger        zerolog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg Config) *Resolver {
	if cfg.DefaultTick <= 0 {
		cfg.DefaultTick = DefaultIncrement
	}
	if cfg.ComboFallbackTick <= 0 {
		cfg.ComboFallbackTick = 0.05
	}
	return &Resolver{
		schedules:     make(map[int][]models.PriceIncrement),
		details:       make(map[int]models.ContractDetails),
		rules:         make(map[int][]models.PriceIncrement),
		defaultTick:   cfg.DefaultTick,
		comboFallback: cfg.ComboFallbackTick,
		logger:        cfg.Logger.With().Str("component", "ticks").Logger(),
	}
}

// Increment returns the tick size in force for the contract at price. A combo
// uses its first leg's schedule, falling back to the per-symbol combo tick.
func (r *Resolver) Increment(contract models.Contract, price float64) float64 {
	if contract.IsCombo() {
		if len(contract.ComboLegs) > 0 {
			if sched, ok := r.Schedule(contract.ComboLegs[0].ConID); ok {
				return scan(sched, price)
			}
		}
		return r.ComboTick(contract.Symbol)
	}

	sched, ok := r.Schedule(contract.ConID)
	if !ok {
		r.logger.Warn().
			Int("con_id", contract.ConID).
			Str("symbol", contract.Symbol).
			Msg("No increment schedule cached, using default tick")
		return r.defaultTick
	}
	return scan(sched, price)
}

// ComboTick returns the static combo tick for a symbol.
func (r *Resolver) ComboTick(symbol string) float64 {
	if rule, ok := LookupComboRule(symbol); ok {
		return rule.ComboTick
	}
	if IsPennyPilot(symbol) {
		return 0.01
	}
	return r.comboFallback
}

func scan(sched []models.PriceIncrement, price float64) float64 {
	p := math.Abs(price)
	inc := sched[0].Increment
	for _, row := range sched {
		if row.LowEdge > p {
			break
		}
		inc = row.Increment
	}
	return inc
}

// Schedule returns the cached schedule for a contract.
func (r *Resolver) Schedule(conID int) ([]models.PriceIncrement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sched, ok := r.schedules[conID]
	return sched, ok && len(sched) > 0
}

// SetSchedule stores a schedule, sorted by low edge.
func (r *Resolver) SetSchedule(conID int, sched []models.PriceIncrement) {
	rows := append([]models.PriceIncrement(nil), sched...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].LowEdge < rows[j].LowEdge })
	r.mu.Lock()
	r.schedules[conID] = rows
	r.mu.Unlock()
}

// Details returns cached contract details, which carry trading hours.
func (r *Resolver) Details(conID int) (models.ContractDetails, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.details[conID]
	return d, ok
}

// Loaded reports whether a contract has been through Preload.
func (r *Resolver) Loaded(conID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.details[conID]
	if !ok {
		_, ok = r.schedules[conID]
	}
	return ok
}

// Reset drops every cached schedule and detail.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.schedules = make(map[int][]models.PriceIncrement)
	r.details = make(map[int]models.ContractDetails)
	r.rules = make(map[int][]models.PriceIncrement)
	r.mu.Unlock()
}

// Preload loads details and schedules for contracts and their combo legs.
// Failures are degraded: the contract falls back to (0, minTick) or to no
// schedule at all. Only context cancellation is returned.
func (r *Resolver) Preload(ctx context.Context, src DetailsSource, contracts []models.Contract) error {
	seen := make(map[int]bool)
	for _, c := range contracts {
		ids := []int{c.ConID}
		for _, leg := range c.ComboLegs {
			ids = append(ids, leg.ConID)
		}
		for _, id := range ids {
			if id == 0 || seen[id] || r.Loaded(id) {
				continue
			}
			seen[id] = true
			if err := ctx.Err(); err != nil {
				return err
			}
			r.load(ctx, src, id)
		}
	}
	return nil
}

func (r *Resolver) load(ctx context.Context, src DetailsSource, conID int) {
	details, err := src.ContractDetails(ctx, conID)
	if err != nil || details == nil {
		r.logger.Warn().Err(err).Int("con_id", conID).Msg("Contract details unavailable")
		return
	}

	r.mu.Lock()
	r.details[conID] = *details
	r.mu.Unlock()

	var sched []models.PriceIncrement
	if len(details.MarketRuleIDs) > 0 {
		sched = r.rule(ctx, src, details.MarketRuleIDs[0])
	}
	if len(sched) == 0 && details.MinTick > 0 {
		sched = []models.PriceIncrement{{LowEdge: 0, Increment: details.MinTick}}
	}
	if len(sched) == 0 {
		r.logger.Warn().Int("con_id", conID).Msg("No increment schedule for contract")
		return
	}
	r.SetSchedule(conID, sched)
}

func (r *Resolver) rule(ctx context.Context, src DetailsSource, ruleID int) []models.PriceIncrement {
	r.mu.RLock()
	cached, ok := r.rules[ruleID]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	rows, err := src.MarketRule(ctx, ruleID)
	if err != nil {
		r.logger.Warn().Err(err).Int("rule_id", ruleID).Msg("Market rule unavailable")
		return nil
	}

	r.mu.Lock()
	r.rules[ruleID] = rows
	r.mu.Unlock()
	return rows
}

// Round rounds abs(price) to the nearest multiple of increment and reapplies
// the sign, so Round(-4.62, 0.05) is -4.60.
func Round(price, increment float64) float64 {
	price = models.SafeFloat(price)
	if increment <= 0 || math.IsNaN(increment) || math.IsInf(increment, 0) {
		return price
	}
	p := decimal.NewFromFloat(price)
	inc := decimal.NewFromFloat(increment)
	out := p.Abs().Div(inc).Round(0).Mul(inc)
	if p.IsNegative() {
		out = out.Neg()
	}
	f, _ := out.Float64()
	return f
}

// WithinTick reports whether a and b differ by strictly less than one increment.
func WithinTick(a, b, increment float64) bool {
	a, b = models.SafeFloat(a), models.SafeFloat(b)
	diff := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Abs()
	return diff.LessThan(decimal.NewFromFloat(models.SafeFloat(increment)))
}

// Round2 rounds to cents.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(models.SafeFloat(v)).Round(2).Float64()
	return f
}

// Round4 rounds to four decimals.
func Round4(v float64) float64 {
	f, _ := decimal.NewFromFloat(models.SafeFloat(v)).Round(4).Float64()
	return f
}
