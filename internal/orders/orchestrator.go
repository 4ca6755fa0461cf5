// Package orders places, modifies and cancels the resting exit orders that
// back each trailing-stop group.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trailstop/internal/broker"
	apperrors "trailstop/internal/errors"
	"trailstop/internal/logging"
	"trailstop/internal/models"
	"trailstop/internal/resilience"
	"trailstop/internal/telemetry"
	"trailstop/internal/ticks"
)

// OrderRef prefixes the order reference of every order this engine submits.
// Each placement gets its own reference so a placement whose response was
// lost can be found among the terminal's working orders.
const OrderRef = "trailstop"

// reconcileTimeout bounds the open-orders lookup after a placement timeout.
const reconcileTimeout = 5 * time.Second

func newOrderRef() string {
	return OrderRef + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// IsOwnOrderRef reports whether ref was set by this engine.
func IsOwnOrderRef(ref string) bool {
	return ref == OrderRef || strings.HasPrefix(ref, OrderRef+"_")
}

// Executor runs fn against the terminal session on the session's owning
// goroutine.
type Executor interface {
	Do(ctx context.Context, fn func(ctx context.Context, s broker.Session) error) error
}

// Recorder receives an event for every order operation.
type Recorder interface {
	RecordOrderEvent(ctx context.Context, ev models.OrderEvent) error
}

// StopOrderRequest describes a resting stop. Prices are the signed prices sent
// to the terminal, before tick rounding.
type StopOrderRequest struct {
	GroupID       string
	Contract      models.Contract
	Quantity      float64
	StopPrice     float64
	LimitPrice    float64 // zero for a plain stop
	OCAGroup      string
	Action        models.OrderAction
	TriggerMethod models.TriggerMethod
}

// TimeExitRequest describes a market exit released at a wall-clock time.
type TimeExitRequest struct {
	GroupID  string
	Contract models.Contract
	Quantity float64
	Action   models.OrderAction
	OCAGroup string
	ExitTime string // HH:MM US/Eastern
}

// OrderHandle identifies a placed order.
type OrderHandle struct {
	OrderID    int                `json:"order_id"`
	Status     models.OrderStatus `json:"status"`
	StopPrice  float64            `json:"stop_price"`
	LimitPrice float64            `json:"limit_price"`
}

// Config holds orchestrator dependencies.
type Config struct {
	Resolver *ticks.Resolver
	Breaker  *resilience.CircuitBreaker
	Recorder Recorder
	Logger   zerolog.Logger
}

type trackedOrder struct {
	contract models.Contract
	order    models.Order
}

// Orchestrator owns every order it placed or adopted from the terminal.
type Orchestrator struct {
	exec     Executor
	resolver *ticks.Resolver
	breaker  *resilience.CircuitBreaker
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	tracked map[int]*trackedOrder
}

// New creates an orchestrator that reaches the terminal through exec.
func New(exec Executor, cfg Config) *Orchestrator {
	if cfg.Resolver == nil {
		cfg.Resolver = ticks.NewResolver(ticks.Config{Logger: cfg.Logger})
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("orders", resilience.DefaultCircuitBreakerConfig())
	}
	return &Orchestrator{
		exec:     exec,
		resolver: cfg.Resolver,
		breaker:  cfg.Breaker,
		recorder: cfg.Recorder,
		logger:   logging.WithComponent(cfg.Logger, "orders"),
		now:      time.Now,
		tracked:  make(map[int]*trackedOrder),
	}
}

// Breaker returns the placement circuit breaker.
func (o *Orchestrator) Breaker() *resilience.CircuitBreaker {
	return o.breaker
}

// NewOCAGroup returns a fresh one-cancels-all group id.
func NewOCAGroup() string {
	return "trailstop_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (o *Orchestrator) round(contract models.Contract, price float64) float64 {
	if price == 0 {
		return 0
	}
	return ticks.Round(price, o.resolver.Increment(contract, price))
}

// submit places an order through the circuit breaker and the executor.
func (o *Orchestrator) submit(ctx context.Context, contract models.Contract, order *models.Order) (*broker.OrderResult, error) {
	var res *broker.OrderResult
	err := o.breaker.Execute(ctx, func(ctx context.Context) error {
		return o.exec.Do(ctx, func(ctx context.Context, s broker.Session) error {
			r, err := s.PlaceOrder(ctx, contract, order)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) track(contract models.Contract, order models.Order) {
	o.mu.Lock()
	o.tracked[order.OrderID] = &trackedOrder{contract: contract, order: order}
	o.mu.Unlock()
}

func (o *Orchestrator) lookup(orderID int) (trackedOrder, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tracked[orderID]
	if !ok {
		return trackedOrder{}, false
	}
	return *t, true
}

func (o *Orchestrator) forget(orderID int) {
	o.mu.Lock()
	delete(o.tracked, orderID)
	o.mu.Unlock()
}

func (o *Orchestrator) record(ctx context.Context, ev models.OrderEvent) {
	if o.recorder == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Time = o.now()
	if err := o.recorder.RecordOrderEvent(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Int("order_id", ev.OrderID).Msg("Failed to journal order event")
	}
}

// PlaceStopOrder places a resting stop or stop-limit order. A terminal
// rejection is returned as an OrderError wrapping ErrOrderRejected and is
// never retried.
func (o *Orchestrator) PlaceStopOrder(ctx context.Context, req StopOrderRequest) (OrderHandle, error) {
	if req.Quantity <= 0 {
		return OrderHandle{}, apperrors.NewValidationError("quantity", req.Quantity, "must be positive")
	}
	if req.StopPrice == 0 {
		return OrderHandle{}, apperrors.NewValidationError("stop_price", req.StopPrice, "must be non-zero")
	}

	order := models.Order{
		Action:        req.Action,
		Type:          models.OrderTypeStop,
		Quantity:      req.Quantity,
		AuxPrice:      o.round(req.Contract, req.StopPrice),
		TimeInForce:   "GTC",
		TriggerMethod: req.TriggerMethod,
		OrderRef:      newOrderRef(),
		Transmit:      true,
	}
	if req.LimitPrice != 0 {
		order.Type = models.OrderTypeStopLimit
		order.LimitPrice = o.round(req.Contract, req.LimitPrice)
	}
	if req.OCAGroup != "" && !req.Contract.IsCombo() {
		order.OCAGroup = req.OCAGroup
		order.OCAType = 1
	}

	return o.place(ctx, req.GroupID, req.Contract, &order, models.OrderEventPlace, "stop")
}

// PlaceTimeExitOrder places a market order held until ExitTime. A time that
// has already passed today rolls to the next weekday.
func (o *Orchestrator) PlaceTimeExitOrder(ctx context.Context, req TimeExitRequest) (OrderHandle, error) {
	if req.Quantity <= 0 {
		return OrderHandle{}, apperrors.NewValidationError("quantity", req.Quantity, "must be positive")
	}
	gat, err := GoodAfterTime(req.ExitTime, o.now())
	if err != nil {
		return OrderHandle{}, err
	}

	order := models.Order{
		Action:        req.Action,
		Type:          models.OrderTypeMarket,
		Quantity:      req.Quantity,
		TimeInForce:   "GTC",
		GoodAfterTime: gat,
		OrderRef:      newOrderRef(),
		Transmit:      true,
	}
	if req.OCAGroup != "" && !req.Contract.IsCombo() {
		order.OCAGroup = req.OCAGroup
		order.OCAType = 1
	}
	return o.place(ctx, req.GroupID, req.Contract, &order, models.OrderEventTimeExit, "time_exit")
}

func (o *Orchestrator) place(ctx context.Context, groupID string, contract models.Contract, order *models.Order, kind models.OrderEventKind, metric string) (OrderHandle, error) {
	name := contract.DisplayName()
	ev := models.OrderEvent{
		Kind:       kind,
		GroupID:    groupID,
		Symbol:     name,
		Action:     order.Action,
		Quantity:   order.Quantity,
		StopPrice:  order.AuxPrice,
		LimitPrice: order.LimitPrice,
	}

	res, err := o.submit(ctx, contract, order)
	if err != nil && isTimeout(err) {
		if found, ok := o.reconcile(ctx, order.OrderRef); ok {
			o.logger.Warn().Err(err).Int("order_id", found.OrderID).Str("symbol", name).Msg("Placement timed out but the order is working")
			res, err = found, nil
		}
	}
	if err != nil {
		telemetry.IncOrders(metric, "error")
		ev.Message = err.Error()
		o.record(ctx, ev)
		o.logger.Error().Err(err).Str("symbol", name).Str("action", string(order.Action)).Msg("Order placement failed")
		return OrderHandle{}, apperrors.NewOrderError(order.OrderID, name, string(order.Action), "placement failed", err)
	}

	ev.OrderID = res.OrderID
	ev.Status = res.Status
	if res.Status.IsRejected() {
		telemetry.IncOrders(metric, "rejected")
		ev.Kind = models.OrderEventReject
		ev.Message = res.Message
		o.record(ctx, ev)
		logging.LogOrder(o.logger, res.OrderID, name, string(order.Action), string(res.Status), order.AuxPrice)
		reason := res.Message
		if reason == "" {
			reason = fmt.Sprintf("terminal returned %s", res.Status)
		}
		return OrderHandle{}, apperrors.NewOrderError(res.OrderID, name, string(order.Action), reason, apperrors.ErrOrderRejected)
	}

	order.OrderID = res.OrderID
	o.track(contract, *order)
	telemetry.IncOrders(metric, "ok")
	o.record(ctx, ev)
	logging.LogOrder(o.logger, res.OrderID, name, string(order.Action), string(res.Status), order.AuxPrice)

	return OrderHandle{
		OrderID:    res.OrderID,
		Status:     res.Status,
		StopPrice:  order.AuxPrice,
		LimitPrice: order.LimitPrice,
	}, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, apperrors.ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// reconcile looks up an order by reference among the terminal's working
// orders. It runs on a fresh deadline since ctx may be the one that expired.
func (o *Orchestrator) reconcile(ctx context.Context, ref string) (*broker.OrderResult, bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()

	var open []broker.OpenOrder
	err := o.exec.Do(ctx, func(ctx context.Context, s broker.Session) error {
		var err error
		open, err = s.OpenOrders(ctx)
		return err
	})
	if err != nil {
		o.logger.Error().Err(err).Str("order_ref", ref).Msg("Cannot confirm timed-out placement, order may be working")
		return nil, false
	}
	for _, oo := range open {
		if oo.Order.OrderRef == ref {
			return &broker.OrderResult{OrderID: oo.Order.OrderID, Status: oo.State.Status}, true
		}
	}
	return nil, false
}

// ModifyStopOrder moves a resting stop to newStop (and newLimit for a
// stop-limit). It reports false without error when the move is under one
// tick, when the order can no longer be modified, or when the terminal
// refuses the modification. Unknown ids return ErrOrderNotFound, and a
// stop-limit without a limit is refused with a ValidationError.
func (o *Orchestrator) ModifyStopOrder(ctx context.Context, orderID int, newStop, newLimit float64) (bool, error) {
	t, ok := o.lookup(orderID)
	if !ok {
		return false, fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
	}

	inc := o.resolver.Increment(t.contract, newStop)
	stop := ticks.Round(newStop, inc)
	limit := 0.0
	if t.order.Type == models.OrderTypeStopLimit {
		limit = o.round(t.contract, newLimit)
		if limit == 0 {
			return false, apperrors.NewValidationError("limit_price", newLimit, fmt.Sprintf("order %d is a stop-limit and needs a limit", orderID))
		}
	}

	if ticks.WithinTick(stop, t.order.AuxPrice, inc) &&
		(t.order.Type != models.OrderTypeStopLimit || ticks.WithinTick(limit, t.order.LimitPrice, inc)) {
		return false, nil
	}

	logger := logging.WithOrderID(o.logger, orderID)

	var state *models.OrderState
	err := o.exec.Do(ctx, func(ctx context.Context, s broker.Session) error {
		st, err := s.OrderStatus(ctx, orderID)
		state = st
		return err
	})
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		o.forget(orderID)
		return false, err
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Order status unavailable, skipping modify")
		return false, nil
	}
	if !state.Status.IsModifiable() {
		logger.Debug().Str("status", string(state.Status)).Msg("Order not modifiable, skipping")
		return false, nil
	}

	order := t.order
	order.AuxPrice = stop
	if order.Type == models.OrderTypeStopLimit {
		order.LimitPrice = limit
	}

	ev := models.OrderEvent{
		Kind:       models.OrderEventModify,
		OrderID:    orderID,
		Symbol:     t.contract.DisplayName(),
		Action:     order.Action,
		Quantity:   order.Quantity,
		StopPrice:  order.AuxPrice,
		LimitPrice: order.LimitPrice,
	}

	res, err := o.submit(ctx, t.contract, &order)
	if err != nil || res.Status.IsRejected() {
		telemetry.IncOrders("modify", "failed")
		logger.Warn().Err(err).Float64("stop", stop).Msg("Stop modification failed, will re-evaluate")
		return false, nil
	}

	o.track(t.contract, order)
	telemetry.IncOrders("modify", "ok")
	ev.Status = res.Status
	o.record(ctx, ev)
	logger.Debug().Float64("old_stop", t.order.AuxPrice).Float64("stop", stop).Msg("Stop modified")
	return true, nil
}

// CancelOrder cancels one order.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID int) error {
	err := o.exec.Do(ctx, func(ctx context.Context, s broker.Session) error {
		return s.CancelOrder(ctx, orderID)
	})

	ev := models.OrderEvent{Kind: models.OrderEventCancel, OrderID: orderID, Status: models.StatusCancelled}
	if t, ok := o.lookup(orderID); ok {
		ev.Symbol = t.contract.DisplayName()
		ev.Action = t.order.Action
	}

	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) && o.finished(ctx, orderID) {
		o.logger.Info().Err(err).Int("order_id", orderID).Msg("Order already finished, nothing to cancel")
		o.forget(orderID)
		return nil
	}
	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		telemetry.IncOrders("cancel", "error")
		ev.Message = err.Error()
		o.record(ctx, ev)
		return fmt.Errorf("cancelling order %d: %w", orderID, err)
	}

	o.forget(orderID)
	if err != nil {
		return err
	}
	telemetry.IncOrders("cancel", "ok")
	o.record(ctx, ev)
	logging.LogOrder(o.logger, orderID, ev.Symbol, string(ev.Action), string(models.StatusCancelled), 0)
	return nil
}

// finished reports whether the terminal has the order in a done state.
func (o *Orchestrator) finished(ctx context.Context, orderID int) bool {
	var state *models.OrderState
	err := o.exec.Do(ctx, func(ctx context.Context, s broker.Session) error {
		st, err := s.OrderStatus(ctx, orderID)
		state = st
		return err
	})
	if err != nil {
		return false
	}
	switch state.Status {
	case models.StatusFilled, models.StatusCancelled, models.StatusApiCancelled, models.StatusInactive:
		return true
	}
	return false
}

// CancelOcaGroup cancels every working order in an OCA group, including
// orders placed before a restart. It returns the number cancelled.
func (o *Orchestrator) CancelOcaGroup(ctx context.Context, oca string) (int, error) {
	if oca == "" {
		return 0, nil
	}

	ids := make(map[int]bool)
	o.mu.Lock()
	for id, t := range o.tracked {
		if t.order.OCAGroup == oca {
			ids[id] = true
		}
	}
	o.mu.Unlock()

	var open []broker.OpenOrder
	err := o.exec.Do(ctx, func(ctx context.Context, s broker.Session) error {
		var err error
		open, err = s.OpenOrders(ctx)
		return err
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("oca", oca).Msg("Open orders unavailable, cancelling tracked orders only")
	}
	for _, oo := range open {
		if oo.Order.OCAGroup == oca {
			ids[oo.Order.OrderID] = true
		}
	}

	var errs []error
	n := 0
	for id := range ids {
		err := o.CancelOrder(ctx, id)
		switch {
		case err == nil:
			n++
		case errors.Is(err, apperrors.ErrOrderNotFound):
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// Adopt tracks this engine's working orders found at the terminal, so ids
// persisted before a restart can be modified.
func (o *Orchestrator) Adopt(ctx context.Context) (int, error) {
	var open []broker.OpenOrder
	err := o.exec.Do(ctx, func(ctx context.Context, s broker.Session) error {
		var err error
		open, err = s.OpenOrders(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, oo := range open {
		if oo.Order.OrderRef != "" && !IsOwnOrderRef(oo.Order.OrderRef) {
			continue
		}
		o.track(oo.Contract, oo.Order)
		n++
	}
	o.logger.Info().Int("orders", n).Msg("Adopted working orders")
	return n, nil
}

// Tracked reports whether an order id is known.
func (o *Orchestrator) Tracked(orderID int) bool {
	_, ok := o.lookup(orderID)
	return ok
}

// GoodAfterTime formats the release time of a time exit: today at hhmm in
// US/Eastern, or the next weekday if that time has passed.
func GoodAfterTime(hhmm string, now time.Time) (string, error) {
	loc, err := time.LoadLocation("US/Eastern")
	if err != nil {
		return "", fmt.Errorf("loading US/Eastern: %w", err)
	}
	clock, err := time.Parse("15:04", hhmm)
	if err != nil {
		return "", apperrors.NewValidationError("time_exit_time", hhmm, "expected HH:MM")
	}

	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	if !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	for at.Weekday() == time.Saturday || at.Weekday() == time.Sunday {
		at = at.AddDate(0, 0, 1)
	}
	return at.Format("20060102 15:04:05") + " US/Eastern", nil
}
