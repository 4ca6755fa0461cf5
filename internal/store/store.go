// Package store provides the operational journal: an append-only SQLite log
// of order operations, stop triggers and connection transitions.
package store

import (
	"context"
	"time"

	"trailstop/internal/models"
)

// Journal defines the interface for the operational journal.
type Journal interface {
	// Writes
	RecordOrderEvent(ctx context.Context, ev models.OrderEvent) error
	RecordStopTrigger(ctx context.Context, ev models.StopTriggerEvent) error
	RecordConnectionEvent(ctx context.Context, ev models.ConnectionEvent) error

	// Reads, newest first
	OrderEvents(ctx context.Context, filter EventFilter) ([]models.OrderEvent, error)
	StopTriggers(ctx context.Context, filter EventFilter) ([]models.StopTriggerEvent, error)
	ConnectionEvents(ctx context.Context, filter EventFilter) ([]models.ConnectionEvent, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// EventFilter represents filters for querying journal rows.
type EventFilter struct {
	GroupID string
	Since   time.Time
	Limit   int
}

// DefaultLimit caps unbounded queries.
const DefaultLimit = 100
