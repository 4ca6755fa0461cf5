package models

import "time"

// OrderEventKind names an order operation recorded in the journal.
type OrderEventKind string

const (
	OrderEventPlace    OrderEventKind = "place"
	OrderEventModify   OrderEventKind = "modify"
	OrderEventCancel   OrderEventKind = "cancel"
	OrderEventTimeExit OrderEventKind = "time_exit"
	OrderEventReject   OrderEventKind = "reject"
)

// OrderEvent is one order operation against the terminal.
type OrderEvent struct {
	ID         string         `json:"id"`
	Time       time.Time      `json:"time"`
	Kind       OrderEventKind `json:"kind"`
	GroupID    string         `json:"group_id,omitempty"`
	OrderID    int            `json:"order_id"`
	Symbol     string         `json:"symbol"`
	Action     OrderAction    `json:"action"`
	Quantity   float64        `json:"quantity"`
	StopPrice  float64        `json:"stop_price"`
	LimitPrice float64        `json:"limit_price"`
	Status     OrderStatus    `json:"status"`
	Message    string         `json:"message,omitempty"`
}

// StopTriggerEvent records a breached trailing stop.
type StopTriggerEvent struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	GroupID   string    `json:"group_id"`
	GroupName string    `json:"group_name"`
	Value     float64   `json:"value"`
	StopPrice float64   `json:"stop_price"`
	HWM       float64   `json:"hwm"`
	IsCredit  bool      `json:"is_credit"`
	OrderID   int       `json:"order_id"`
}

// ConnectionEvent records a connection state transition.
type ConnectionEvent struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	State   string    `json:"state"`
	Reason  string    `json:"reason,omitempty"`
	Attempt int       `json:"attempt"`
}
