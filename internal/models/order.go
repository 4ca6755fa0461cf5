package models

import "time"

// OrderAction represents the side of an order.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// Opposite returns the reverse action.
func (a OrderAction) Opposite() OrderAction {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// OrderType represents the terminal order type.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP LMT"
)

// OrderStatus mirrors the terminal's order status strings.
type OrderStatus string

const (
	StatusApiPending    OrderStatus = "ApiPending"
	StatusPendingSubmit OrderStatus = "PendingSubmit"
	StatusPendingCancel OrderStatus = "PendingCancel"
	StatusPreSubmitted  OrderStatus = "PreSubmitted"
	StatusSubmitted     OrderStatus = "Submitted"
	StatusApiCancelled  OrderStatus = "ApiCancelled"
	StatusCancelled     OrderStatus = "Cancelled"
	StatusFilled        OrderStatus = "Filled"
	StatusInactive      OrderStatus = "Inactive"
)

// IsRejected reports whether a fresh placement ended up dead at the terminal.
func (s OrderStatus) IsRejected() bool {
	return s == StatusCancelled || s == StatusInactive || s == StatusApiCancelled
}

// IsModifiable reports whether a resting order may be modified in this status.
// Terminal statuses and in-flight transitions are not modifiable.
func (s OrderStatus) IsModifiable() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusApiCancelled, StatusInactive,
		StatusPendingCancel, StatusPendingSubmit, StatusApiPending:
		return false
	}
	return true
}

// TriggerMethod selects which price the terminal uses to fire a stop.
type TriggerMethod int

const (
	TriggerMethodDefault      TriggerMethod = 0
	TriggerMethodDoubleBidAsk TriggerMethod = 1
	TriggerMethodLast         TriggerMethod = 2
	TriggerMethodDoubleLast   TriggerMethod = 3
	TriggerMethodBidAsk       TriggerMethod = 4
	TriggerMethodLastOrBidAsk TriggerMethod = 7
	TriggerMethodMidpoint     TriggerMethod = 8
)

// Order is an order as submitted to the terminal.
type Order struct {
	OrderID       int           `json:"order_id"`
	Action        OrderAction   `json:"action"`
	Type          OrderType     `json:"order_type"`
	Quantity      float64       `json:"total_quantity"`
	AuxPrice      float64       `json:"aux_price,omitempty"` // stop trigger
	LimitPrice    float64       `json:"lmt_price,omitempty"`
	TimeInForce   string        `json:"tif"`
	OCAGroup      string        `json:"oca_group,omitempty"`
	OCAType       int           `json:"oca_type,omitempty"`
	TriggerMethod TriggerMethod `json:"trigger_method"`
	OutsideRTH    bool          `json:"outside_rth"`
	GoodAfterTime string        `json:"good_after_time,omitempty"`
	OrderRef      string        `json:"order_ref,omitempty"`
	Transmit      bool          `json:"transmit"`
}

// OrderState is the last known state of a tracked order.
type OrderState struct {
	OrderID   int         `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Filled    float64     `json:"filled"`
	Remaining float64     `json:"remaining"`
	UpdatedAt time.Time   `json:"updated_at"`
}
