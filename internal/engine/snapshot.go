package engine

import (
	"time"

	"github.com/gammazero/deque"

	"trailstop/internal/groups"
	"trailstop/internal/metrics"
	"trailstop/internal/models"
)

// Sample is one point of a group's rolling history.
type Sample struct {
	Time time.Time `json:"time"`
	Mark float64   `json:"mark"`
	PnL  float64   `json:"pnl"`
	Stop float64   `json:"stop"`
	HWM  float64   `json:"hwm"`
}

// GroupSnapshot is a read-only view of a group with its live valuation.
type GroupSnapshot struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	CreatedAt  time.Time          `json:"created_at"`
	Quantities map[int]int        `json:"position_quantities"`
	Trail      models.TrailConfig `json:"trail"`
	IsActive   bool               `json:"is_active"`
	IsCredit   bool               `json:"is_credit"`
	EntryPrice float64            `json:"entry_price"`

	HWM          float64          `json:"high_water_mark"`
	StopPrice    float64          `json:"stop_price"`
	LimitPrice   float64          `json:"limit_price,omitempty"`
	TriggerValue float64          `json:"trigger_value"`
	StopPnL      float64          `json:"stop_pnl"`
	MarketOpen   bool             `json:"market_open"`
	Orders       models.OrderRefs `json:"orders"`

	Legs    []metrics.Leg        `json:"legs"`
	Metrics metrics.GroupMetrics `json:"metrics"`
	History []Sample             `json:"history,omitempty"`

	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PositionView is a held position with its allocation state.
type PositionView struct {
	Position   models.Position `json:"position"`
	EntryPrice float64         `json:"entry_price"`
	Allocated  int             `json:"allocated"`
	Available  float64         `json:"available"`
	Quote      models.Quote    `json:"quote"`
}

func (e *Engine) build(g *models.Group, legs []metrics.Leg, m metrics.GroupMetrics, open bool, legErr error) GroupSnapshot {
	s := GroupSnapshot{
		ID:           g.ID,
		Name:         g.Name,
		CreatedAt:    g.CreatedAt,
		Quantities:   g.Quantities,
		Trail:        g.Trail,
		IsActive:     g.IsActive,
		IsCredit:     g.IsCredit,
		EntryPrice:   g.EntryPrice,
		HWM:          g.HighWaterMark,
		StopPrice:    g.StopPrice,
		TriggerValue: m.TriggerValue,
		MarketOpen:   open,
		Orders:       g.Orders,
		Legs:         legs,
		Metrics:      m,
		History:      e.History(g.ID),
		UpdatedAt:    e.now(),
	}
	if legErr != nil {
		s.Error = legErr.Error()
	}
	if g.StopPrice > 0 {
		if g.Trail.StopType == models.StopLimit {
			s.LimitPrice = groups.LimitPrice(g.StopPrice, g.Trail.LimitOffset, g.IsCredit)
		}
		if legErr == nil {
			s.StopPnL = metrics.StopPnL(m, g.StopPrice)
		}
	}
	return s
}

// evaluate values a group from the live cache.
func (e *Engine) evaluate(g *models.Group) ([]metrics.Leg, metrics.GroupMetrics, error) {
	legs, _, err := e.legs(g.Quantities)
	if err != nil {
		return nil, metrics.GroupMetrics{}, err
	}
	return legs, metrics.Compute(legs, g.Trail.TriggerPriceType), nil
}

// Snapshots values every group, oldest first.
func (e *Engine) Snapshots() []GroupSnapshot {
	list := e.groups.List()
	out := make([]GroupSnapshot, 0, len(list))
	for _, g := range list {
		legs, m, err := e.evaluate(g)
		out = append(out, e.build(g, legs, m, e.hours.GroupOpen(g.ConIDs()), err))
	}
	return out
}

// Snapshot values one group.
func (e *Engine) Snapshot(id string) (GroupSnapshot, error) {
	g, err := e.groups.Get(id)
	if err != nil {
		return GroupSnapshot{}, err
	}
	legs, m, lerr := e.evaluate(g)
	return e.build(g, legs, m, e.hours.GroupOpen(g.ConIDs()), lerr), nil
}

// Positions lists held positions with their allocated and free quantities.
func (e *Engine) Positions() []PositionView {
	used := e.groups.Used()
	positions := e.conn.Positions()
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		id := p.ConID()
		v := PositionView{Position: p, Allocated: used[id]}
		v.Available = abs(p.Quantity) - float64(used[id])
		if entry, ok := e.conn.EntryPrice(id); ok {
			v.EntryPrice = entry
		}
		v.Quote, _ = e.quotes.Quote(id)
		out = append(out, v)
	}
	return out
}

func (e *Engine) sample(id string, s Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.history[id]
	if !ok {
		q = &deque.Deque[Sample]{}
		e.history[id] = q
	}
	q.PushBack(s)
	for q.Len() > e.historySize {
		q.PopFront()
	}
}

// History returns a copy of a group's samples, oldest first.
func (e *Engine) History(id string) []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.history[id]
	if !ok {
		return nil
	}
	out := make([]Sample, q.Len())
	for i := range out {
		out[i] = q.At(i)
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Counts returns the number of groups and how many are trailing.
func (e *Engine) Counts() (total, active int) {
	for _, g := range e.groups.List() {
		total++
		if g.IsActive {
			active++
		}
	}
	return total, active
}
