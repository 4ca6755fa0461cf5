// Package broker provides the brokerage terminal session and its
// implementations.
package broker

import (
	"context"
	"time"

	"trailstop/internal/models"
)

// Session is one API session with the brokerage terminal. It is not
// reentrant: a single goroutine owns it and serializes every call.
type Session interface {
	// Lifecycle
	Connect(ctx context.Context, host string, port, clientID int) error
	Disconnect() error
	IsConnected() bool
	CurrentTime(ctx context.Context) (time.Time, error)

	// Portfolio
	Portfolio(ctx context.Context) ([]models.PortfolioItem, error)
	Executions(ctx context.Context, since time.Time) ([]models.Execution, error)

	// Contract metadata
	ContractDetails(ctx context.Context, conID int) (*models.ContractDetails, error)
	MarketRule(ctx context.Context, ruleID int) ([]models.PriceIncrement, error)

	// Market data
	SubscribeMarketData(ctx context.Context, contract models.Contract) error
	CancelMarketData(ctx context.Context, conID int) error
	Ticks() <-chan models.Tick

	// Orders. Placing an order with an existing OrderID modifies it.
	PlaceOrder(ctx context.Context, contract models.Contract, order *models.Order) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID int) error
	OrderStatus(ctx context.Context, orderID int) (*models.OrderState, error)
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID int                `json:"order_id"`
	Status  models.OrderStatus `json:"status"`
	Message string             `json:"message,omitempty"`
}

// OpenOrder is a working order reported by the terminal.
type OpenOrder struct {
	Contract models.Contract   `json:"contract"`
	Order    models.Order      `json:"order"`
	State    models.OrderState `json:"state"`
}

// TickBufferSize bounds the tick channel; readers drop on overflow.
const TickBufferSize = 1024
