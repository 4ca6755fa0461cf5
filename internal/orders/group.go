package orders

import (
	"context"
	"errors"
	"fmt"

	apperrors "trailstop/internal/errors"
	"trailstop/internal/models"
)

// ExitRequest describes the exit orders for one group. Stop and limit are
// magnitudes; the orchestrator applies the combo sign convention.
type ExitRequest struct {
	GroupID     string
	Allocations []Allocation
	IsCredit    bool
	StopPrice   float64
	LimitPrice  float64 // zero for a market stop
	Trigger     models.TriggerPriceType
	TimeExit    bool
	TimeExitAt  string // HH:MM US/Eastern
}

// GroupOrders are the orders resting for one group.
type GroupOrders struct {
	Refs     models.OrderRefs
	Stop     OrderHandle
	TimeExit *OrderHandle
}

// ExitContract returns the contract, quantity and parent action used to close
// allocations. A single leg is closed directly; several legs become a SELL
// combo with pre-inverted legs.
func ExitContract(allocs []Allocation) (models.Contract, float64, models.OrderAction, error) {
	switch len(allocs) {
	case 0:
		return models.Contract{}, 0, "", apperrors.NewValidationError("allocations", 0, "group has no legs")
	case 1:
		a := allocs[0]
		if a.Quantity == 0 {
			return models.Contract{}, 0, "", apperrors.NewValidationError("quantity", 0, "leg quantity is zero")
		}
		return a.Contract, float64(absInt(a.Quantity)), ClosingAction(allocs), nil
	}
	units := ComboUnits(allocs)
	if units == 0 {
		return models.Contract{}, 0, "", apperrors.NewValidationError("quantity", 0, "combo has no quantity")
	}
	return BuildComboContract(allocs, true), float64(units), models.ActionSell, nil
}

// PlaceGroupExit places the trailing stop for a group and, when enabled, its
// time exit. The stop and a single-leg time exit share one OCA group; combo
// orders are tracked by id instead. A failed time exit leaves the stop in
// place and is reported alongside the placed orders.
func (o *Orchestrator) PlaceGroupExit(ctx context.Context, req ExitRequest) (GroupOrders, error) {
	contract, qty, action, err := ExitContract(req.Allocations)
	if err != nil {
		return GroupOrders{}, err
	}
	combo := contract.IsCombo()

	var out GroupOrders
	if !combo {
		out.Refs.OCAGroupID = NewOCAGroup()
	}

	limit := 0.0
	if req.LimitPrice > 0 {
		limit = SignedPrice(req.LimitPrice, req.IsCredit, combo)
	}
	stop, err := o.PlaceStopOrder(ctx, StopOrderRequest{
		GroupID:       req.GroupID,
		Contract:      contract,
		Quantity:      qty,
		StopPrice:     SignedPrice(req.StopPrice, req.IsCredit, combo),
		LimitPrice:    limit,
		OCAGroup:      out.Refs.OCAGroupID,
		Action:        action,
		TriggerMethod: TriggerMethodFor(req.Trigger),
	})
	if err != nil {
		return GroupOrders{}, err
	}
	out.Stop = stop
	out.Refs.TrailingOrderID = stop.OrderID

	if !req.TimeExit {
		return out, nil
	}

	te, err := o.PlaceTimeExitOrder(ctx, TimeExitRequest{
		GroupID:  req.GroupID,
		Contract: contract,
		Quantity: qty,
		Action:   action,
		OCAGroup: out.Refs.OCAGroupID,
		ExitTime: req.TimeExitAt,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("group_id", req.GroupID).Msg("Time exit not placed, stop remains active")
		return out, fmt.Errorf("time exit: %w", err)
	}
	out.TimeExit = &te
	out.Refs.TimeExitOrderID = te.OrderID
	return out, nil
}

// ModifyGroupStop moves a group's resting stop, converting magnitudes with
// the combo sign convention.
func (o *Orchestrator) ModifyGroupStop(ctx context.Context, refs models.OrderRefs, isCredit, combo bool, stop, limit float64) (bool, error) {
	if refs.TrailingOrderID == 0 {
		return false, fmt.Errorf("no trailing order: %w", apperrors.ErrOrderNotFound)
	}
	signedLimit := 0.0
	if limit > 0 {
		signedLimit = SignedPrice(limit, isCredit, combo)
	}
	return o.ModifyStopOrder(ctx, refs.TrailingOrderID, SignedPrice(stop, isCredit, combo), signedLimit)
}

// CancelGroupExit cancels every order referenced by refs. Orders the terminal
// no longer knows are treated as already gone.
func (o *Orchestrator) CancelGroupExit(ctx context.Context, refs models.OrderRefs) error {
	var errs []error
	for _, id := range []int{refs.TrailingOrderID, refs.TimeExitOrderID} {
		if id == 0 {
			continue
		}
		if err := o.CancelOrder(ctx, id); err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
			errs = append(errs, err)
		}
	}
	if refs.OCAGroupID != "" {
		if _, err := o.CancelOcaGroup(ctx, refs.OCAGroupID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
