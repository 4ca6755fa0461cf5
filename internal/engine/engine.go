// Package engine ties groups, live metrics and resting orders together. It
// owns the periodic driver that trails every active group.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog"

	apperrors "trailstop/internal/errors"
	"trailstop/internal/groups"
	"trailstop/internal/metrics"
	"trailstop/internal/models"
	"trailstop/internal/orders"
	"trailstop/internal/stream"
	"trailstop/internal/trading"
)

// Connection is the part of the connection manager the engine reads.
type Connection interface {
	IsConnected() bool
	Positions() []models.Position
	Position(conID int) (models.Position, bool)
	EntryPrice(conID int) (float64, bool)
}

// Quotes exposes live quotes.
type Quotes interface {
	Quote(conID int) (models.Quote, bool)
}

// MarketHours answers whether every leg of a group is trading.
type MarketHours interface {
	GroupOpen(conIDs []int) bool
}

// Journal records stop triggers.
type Journal interface {
	RecordStopTrigger(ctx context.Context, ev models.StopTriggerEvent) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	SendStopTrigger(ctx context.Context, ev models.StopTriggerEvent) error
	SendOrderRejected(ctx context.Context, ev models.OrderEvent) error
}

// Config holds engine settings and optional collaborators.
type Config struct {
	DefaultTrail   models.TrailConfig
	UpdateInterval time.Duration
	HistorySize    int

	Hours    MarketHours // defaults to trading.SessionManager
	Journal  Journal
	Notifier Notifier
	Hub      *stream.Hub[GroupSnapshot]
	Logger   zerolog.Logger
}

// CreateRequest describes a group to create. A nil Trail uses the defaults.
type CreateRequest struct {
	Name       string              `json:"name"`
	Quantities map[int]int         `json:"position_quantities"`
	Trail      *models.TrailConfig `json:"trail,omitempty"`
}

// CancelReport summarises a cancel-all pass. Partial success is expected.
type CancelReport struct {
	Cancelled []string          `json:"cancelled"`
	Failed    map[string]string `json:"failed"`
	Skipped   []string          `json:"skipped"`
}

// Engine drives trailing stops for all groups.
type Engine struct {
	conn   Connection
	quotes Quotes
	groups *groups.Manager
	orders *orders.Orchestrator
	hours  MarketHours

	journal  Journal
	notifier Notifier
	hub      *stream.Hub[GroupSnapshot]

	defaultTrail models.TrailConfig
	interval     time.Duration
	historySize  int
	logger       zerolog.Logger
	now          func() time.Time

	// serialises group mutations against the driver
	opMu sync.Mutex

	mu      sync.Mutex
	history map[string]*deque.Deque[Sample]

	alerts sync.WaitGroup
}

// New creates an engine.
func New(conn Connection, quotes Quotes, gm *groups.Manager, orch *orders.Orchestrator, cfg Config) *Engine {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 500 * time.Millisecond
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	if cfg.Hours == nil {
		cfg.Hours = trading.NewSessionManager(conn, quotes)
	}
	return &Engine{
		conn:         conn,
		quotes:       quotes,
		groups:       gm,
		orders:       orch,
		hours:        cfg.Hours,
		journal:      cfg.Journal,
		notifier:     cfg.Notifier,
		hub:          cfg.Hub,
		defaultTrail: cfg.DefaultTrail,
		interval:     cfg.UpdateInterval,
		historySize:  cfg.HistorySize,
		logger:       cfg.Logger.With().Str("component", "engine").Logger(),
		now:          time.Now,
		history:      make(map[string]*deque.Deque[Sample]),
	}
}

// legs resolves a quantity map into metric legs and order allocations,
// ordered by contract id. Quantities take their sign from the position.
func (e *Engine) legs(quantities map[int]int) ([]metrics.Leg, []orders.Allocation, error) {
	ids := make([]int, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	legs := make([]metrics.Leg, 0, len(ids))
	allocs := make([]orders.Allocation, 0, len(ids))
	for _, id := range ids {
		pos, ok := e.conn.Position(id)
		if !ok || pos.Quantity == 0 {
			return nil, nil, fmt.Errorf("conId %d: %w", id, apperrors.ErrPositionNotFound)
		}
		q := quantities[id]
		if q < 0 {
			q = -q
		}
		if pos.Quantity < 0 {
			q = -q
		}

		fill, ok := e.conn.EntryPrice(id)
		if !ok || fill == 0 {
			fill = pos.AvgCost / float64(pos.Contract.EffectiveMultiplier())
		}
		quote, _ := e.quotes.Quote(id)

		c := pos.Contract
		legs = append(legs, metrics.Leg{
			ConID:      id,
			Symbol:     c.Symbol,
			SecType:    c.SecType,
			Expiry:     c.Expiry,
			Strike:     c.Strike,
			Right:      c.Right,
			Quantity:   float64(q),
			Multiplier: c.Multiplier,
			FillPrice:  fill,
			Quote:      quote,
		})
		allocs = append(allocs, orders.Allocation{Contract: c, Quantity: q})
	}
	return legs, allocs, nil
}

// Create allocates positions to a new group. Credit direction and entry
// price come from the legs' fills and are fixed from here on.
func (e *Engine) Create(req CreateRequest) (*models.Group, error) {
	trail := e.defaultTrail
	if req.Trail != nil {
		trail = *req.Trail
	}
	if len(req.Quantities) == 0 {
		return nil, apperrors.NewValidationError("position_quantities", req.Quantities, "at least one position is required")
	}

	legs, _, err := e.legs(req.Quantities)
	if err != nil {
		return nil, err
	}
	m := metrics.Compute(legs, trail.TriggerPriceType)

	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.groups.Create(groups.CreateRequest{
		Name:       req.Name,
		Quantities: req.Quantities,
		Trail:      trail,
		IsCredit:   m.IsCredit,
		EntryPrice: m.Entry,
	}, e.conn)
}

// Configure replaces a group's trail settings. An active group's resting
// stop follows on the next tick; time-exit changes apply on next activation.
// Stop type and trigger price changes are refused with ErrGroupActive until
// the group is deactivated.
func (e *Engine) Configure(id string, trail models.TrailConfig) (*models.Group, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.groups.Configure(id, trail)
}

// Activate starts trailing: the HWM is seeded from the current trigger value
// and the resting exit orders are placed. A failed time exit leaves the group
// active with its stop and is returned alongside the group.
func (e *Engine) Activate(ctx context.Context, id string) (*models.Group, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	g, err := e.groups.Get(id)
	if err != nil {
		return nil, err
	}
	if g.IsActive {
		return g, nil
	}
	if !e.conn.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}

	legs, allocs, err := e.legs(g.Quantities)
	if err != nil {
		return nil, err
	}
	m := metrics.Compute(legs, g.Trail.TriggerPriceType)
	if m.TriggerValue == 0 {
		return nil, fmt.Errorf("group %s: %w", id, apperrors.ErrNoQuote)
	}

	hwm := m.TriggerValue
	stop := groups.StopPrice(hwm, g.Trail.Mode, g.Trail.Value, g.IsCredit)
	limit := 0.0
	if g.Trail.StopType == models.StopLimit {
		limit = groups.LimitPrice(stop, g.Trail.LimitOffset, g.IsCredit)
		if limit <= 0 {
			return nil, apperrors.NewValidationError("limit_offset", g.Trail.LimitOffset,
				fmt.Sprintf("offset leaves no limit below stop %.2f", stop))
		}
	}

	placed, placeErr := e.orders.PlaceGroupExit(ctx, orders.ExitRequest{
		GroupID:     g.ID,
		Allocations: allocs,
		IsCredit:    g.IsCredit,
		StopPrice:   stop,
		LimitPrice:  limit,
		Trigger:     g.Trail.TriggerPriceType,
		TimeExit:    g.Trail.TimeExitEnabled,
		TimeExitAt:  g.Trail.TimeExitTime,
	})
	if placed.Refs.TrailingOrderID == 0 {
		e.notifyRejected(g, placeErr)
		return nil, placeErr
	}
	if placeErr != nil {
		e.notifyRejected(g, placeErr)
	}

	activated, err := e.groups.Activate(g.ID, hwm, placed.Refs)
	if err != nil {
		if cerr := e.orders.CancelGroupExit(ctx, placed.Refs); cerr != nil {
			e.logger.Error().Err(cerr).Str("group_id", g.ID).Msg("Orders left working after failed activation")
		}
		return nil, err
	}

	e.logger.Info().
		Str("group_id", g.ID).
		Float64("hwm", hwm).
		Float64("stop", stop).
		Float64("limit", limit).
		Msg("Trailing started")
	return activated, placeErr
}

// Deactivate cancels a group's resting orders and stops trailing. The group
// stays active if the cancel could not be delivered.
func (e *Engine) Deactivate(ctx context.Context, id string) (*models.Group, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.deactivateLocked(ctx, id)
}

func (e *Engine) deactivateLocked(ctx context.Context, id string) (*models.Group, error) {
	g, err := e.groups.Get(id)
	if err != nil {
		return nil, err
	}
	if !g.Orders.IsZero() {
		if !e.conn.IsConnected() {
			return nil, apperrors.ErrNotConnected
		}
		if err := e.orders.CancelGroupExit(ctx, g.Orders); err != nil {
			return nil, fmt.Errorf("cancelling orders for %s: %w", id, err)
		}
	}

	return e.groups.Deactivate(id, true)
}

// CancelGroupOrder cancels the orders a group references without deleting
// it. It also covers a triggered group whose order ids are still recorded.
func (e *Engine) CancelGroupOrder(ctx context.Context, id string) (*models.Group, error) {
	return e.Deactivate(ctx, id)
}

// Delete removes a group. With cancelOrder an active group is deactivated
// first; without it an active group is refused.
func (e *Engine) Delete(ctx context.Context, id string, cancelOrder bool) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	g, err := e.groups.Get(id)
	if err != nil {
		return err
	}
	if g.IsActive || (cancelOrder && !g.Orders.IsZero()) {
		if !cancelOrder {
			return fmt.Errorf("%s: %w", id, apperrors.ErrGroupActive)
		}
		if _, err := e.deactivateLocked(ctx, id); err != nil {
			return err
		}
	}
	if err := e.groups.Delete(id); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.history, id)
	e.mu.Unlock()
	return nil
}

// CancelAll cancels the orders of every group holding order ids, one group
// at a time. Failures are reported per group and do not stop the pass.
func (e *Engine) CancelAll(ctx context.Context) CancelReport {
	report := CancelReport{Failed: make(map[string]string)}
	for _, g := range e.groups.List() {
		if g.Orders.IsZero() && !g.IsActive {
			report.Skipped = append(report.Skipped, g.ID)
			continue
		}
		if _, err := e.CancelGroupOrder(ctx, g.ID); err != nil {
			report.Failed[g.ID] = err.Error()
			continue
		}
		report.Cancelled = append(report.Cancelled, g.ID)
	}
	e.logger.Info().
		Int("cancelled", len(report.Cancelled)).
		Int("failed", len(report.Failed)).
		Int("skipped", len(report.Skipped)).
		Msg("Cancel all finished")
	return report
}

// OnConnected adopts working orders after a (re)connect so persisted order
// ids stay modifiable. It runs off the caller's goroutine.
func (e *Engine) OnConnected(ctx context.Context) {
	go func() {
		if _, err := e.orders.Adopt(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Adopting working orders failed")
		}
	}()
}

func (e *Engine) notifyRejected(g *models.Group, err error) {
	if e.notifier == nil || !errors.Is(err, apperrors.ErrOrderRejected) {
		return
	}
	ev := models.OrderEvent{
		Time:    e.now(),
		Kind:    models.OrderEventReject,
		GroupID: g.ID,
		Symbol:  g.Name,
		Message: err.Error(),
	}
	var oe *apperrors.OrderError
	if errors.As(err, &oe) {
		ev.OrderID = oe.OrderID
		ev.Symbol = oe.Symbol
		ev.Action = models.OrderAction(oe.Action)
		ev.Message = oe.Reason
	}
	e.alert(func(ctx context.Context) error {
		return e.notifier.SendOrderRejected(ctx, ev)
	})
}

// alert runs a notification off the driver's goroutine.
func (e *Engine) alert(fn func(ctx context.Context) error) {
	e.alerts.Add(1)
	go func() {
		defer e.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Notification failed")
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (e *Engine) Wait() {
	e.alerts.Wait()
}
