package engine

import (
	"context"
	"errors"
	"time"

	apperrors "trailstop/internal/errors"
	"trailstop/internal/logging"
	"trailstop/internal/models"
	"trailstop/internal/telemetry"
)

// Run ticks every group at the update interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", e.interval).Msg("Trailing driver started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Trailing driver stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick values every group, trails the active ones and publishes snapshots.
// Trailing pauses while the terminal is disconnected.
func (e *Engine) Tick(ctx context.Context) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	connected := e.conn.IsConnected()
	active := 0
	for _, g := range e.groups.List() {
		legs, m, err := e.evaluate(g)
		open := e.hours.GroupOpen(g.ConIDs())

		if g.IsActive && connected && err == nil {
			g = e.trail(ctx, g, m.TriggerValue, open)
		}
		if g.IsActive {
			active++
		}
		if err == nil && m.Mark != 0 {
			e.sample(g.ID, Sample{
				Time: e.now(),
				Mark: m.Mark,
				PnL:  m.PnL,
				Stop: g.StopPrice,
				HWM:  g.HighWaterMark,
			})
		}
		if e.hub != nil {
			e.hub.Publish(g.ID, e.build(g, legs, m, open, err))
		}
	}
	telemetry.SetActiveGroups(active)
}

// trail applies one value to an active group and keeps its resting stop in
// step. It returns the group as updated by the tick.
func (e *Engine) trail(ctx context.Context, g *models.Group, value float64, open bool) *models.Group {
	logger := logging.WithGroupID(e.logger, g.ID)

	res, err := e.groups.ApplyTick(g.ID, value, open)
	if err != nil {
		logger.Error().Err(err).Msg("Trailing update failed")
		return g
	}
	updated := g.Clone()
	updated.HighWaterMark = res.HWM
	updated.StopPrice = res.StopPrice

	if res.Triggered {
		updated.IsActive = false
		updated.Orders = e.triggered(ctx, g, res.Value, res.StopPrice, res.HWM)
		return updated
	}
	if value == 0 || res.StopPrice == 0 {
		return updated
	}

	// The orchestrator compares against the stop resting at the terminal, so
	// a refused or skipped modify is retried on the next tick.
	moved, err := e.orders.ModifyGroupStop(ctx, g.Orders, g.IsCredit, g.IsCombo(), res.StopPrice, res.LimitPrice)
	if err != nil {
		logger.Warn().Err(err).Float64("stop", res.StopPrice).Msg("Resting stop not updated")
	} else if moved {
		logger.Debug().Float64("hwm", res.HWM).Float64("stop", res.StopPrice).Msg("Resting stop moved")
	}
	return updated
}

// triggered records a breach and returns the group's remaining order refs.
func (e *Engine) triggered(ctx context.Context, g *models.Group, value, stop, hwm float64) models.OrderRefs {
	logging.LogStopTrigger(e.logger, g.ID, g.Name, value, stop)
	telemetry.IncStopTriggers()

	refs := g.Orders
	if g.IsCombo() && refs.TimeExitOrderID != 0 {
		refs = e.cancelTimeExit(ctx, g)
	}

	ev := models.StopTriggerEvent{
		Time:      e.now().UTC(),
		GroupID:   g.ID,
		GroupName: g.Name,
		Value:     value,
		StopPrice: stop,
		HWM:       hwm,
		IsCredit:  g.IsCredit,
		OrderID:   g.Orders.TrailingOrderID,
	}
	if e.journal != nil {
		if err := e.journal.RecordStopTrigger(ctx, ev); err != nil {
			e.logger.Error().Err(err).Str("group_id", g.ID).Msg("Journaling stop trigger failed")
		}
	}
	if e.notifier != nil {
		e.alert(func(ctx context.Context) error {
			return e.notifier.SendStopTrigger(ctx, ev)
		})
	}
	return refs
}

// cancelTimeExit removes a combo's pending time exit once its stop has
// triggered. Combo orders share no OCA group, so nothing else cancels it.
func (e *Engine) cancelTimeExit(ctx context.Context, g *models.Group) models.OrderRefs {
	logger := logging.WithOrderID(logging.WithGroupID(e.logger, g.ID), g.Orders.TimeExitOrderID)
	if err := e.orders.CancelOrder(ctx, g.Orders.TimeExitOrderID); err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		logger.Error().Err(err).Msg("Time exit still working after stop trigger")
		return g.Orders
	}
	refs := g.Orders
	refs.TimeExitOrderID = 0
	if _, err := e.groups.SetOrders(g.ID, refs); err != nil {
		logger.Error().Err(err).Msg("Recording cancelled time exit failed")
	}
	logger.Info().Msg("Time exit cancelled after stop trigger")
	return refs
}
