package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "trailstop/internal/errors"
	"trailstop/internal/models"
)

// SQLiteStore implements Journal using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens or creates the journal database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", apperrors.ErrDatabaseError, err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", apperrors.ErrDatabaseError, err)
	}
	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Every place, modify, cancel and rejection sent to the terminal
	CREATE TABLE IF NOT EXISTS order_events (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		kind TEXT NOT NULL,
		group_id TEXT,
		order_id INTEGER NOT NULL,
		symbol TEXT,
		action TEXT,
		quantity REAL,
		stop_price REAL,
		limit_price REAL,
		status TEXT,
		message TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Trailing stop breaches
	CREATE TABLE IF NOT EXISTS stop_triggers (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		group_id TEXT NOT NULL,
		group_name TEXT,
		value REAL NOT NULL,
		stop_price REAL NOT NULL,
		hwm REAL NOT NULL,
		is_credit INTEGER DEFAULT 0,
		order_id INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Connection state transitions
	CREATE TABLE IF NOT EXISTS connection_events (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		state TEXT NOT NULL,
		reason TEXT,
		attempt INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_order_events_timestamp ON order_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_order_events_group ON order_events(group_id);
	CREATE INDEX IF NOT EXISTS idx_stop_triggers_group ON stop_triggers(group_id);
	CREATE INDEX IF NOT EXISTS idx_connection_events_timestamp ON connection_events(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrDatabaseError, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) stamp(id *string, ts *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if ts.IsZero() {
		*ts = s.now()
	}
	*ts = ts.UTC()
}

// ============================================================================
// Order Events
// ============================================================================

// RecordOrderEvent appends an order event.
func (s *SQLiteStore) RecordOrderEvent(ctx context.Context, ev models.OrderEvent) error {
	s.stamp(&ev.ID, &ev.Time)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_events (id, timestamp, kind, group_id, order_id, symbol, action, quantity, stop_price, limit_price, status, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Time, string(ev.Kind), ev.GroupID, ev.OrderID, ev.Symbol, string(ev.Action), ev.Quantity, ev.StopPrice, ev.LimitPrice, string(ev.Status), ev.Message)
	if err != nil {
		return fmt.Errorf("failed to record order event: %w", err)
	}
	return nil
}

// OrderEvents returns order events, newest first.
func (s *SQLiteStore) OrderEvents(ctx context.Context, filter EventFilter) ([]models.OrderEvent, error) {
	query := "SELECT id, timestamp, kind, group_id, order_id, symbol, action, quantity, stop_price, limit_price, status, message FROM order_events WHERE 1=1"
	query, args := applyFilter(query, filter, true)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query order events: %w", err)
	}
	defer rows.Close()

	var events []models.OrderEvent
	for rows.Next() {
		var ev models.OrderEvent
		var kind, action, status string
		var groupID, symbol, message sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Time, &kind, &groupID, &ev.OrderID, &symbol, &action, &ev.Quantity, &ev.StopPrice, &ev.LimitPrice, &status, &message); err != nil {
			return nil, fmt.Errorf("failed to scan order event: %w", err)
		}
		ev.Kind = models.OrderEventKind(kind)
		ev.Action = models.OrderAction(action)
		ev.Status = models.OrderStatus(status)
		ev.GroupID = groupID.String
		ev.Symbol = symbol.String
		ev.Message = message.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order events: %w", err)
	}
	return events, nil
}

// ============================================================================
// Stop Triggers
// ============================================================================

// RecordStopTrigger appends a stop trigger.
func (s *SQLiteStore) RecordStopTrigger(ctx context.Context, ev models.StopTriggerEvent) error {
	s.stamp(&ev.ID, &ev.Time)
	isCredit := 0
	if ev.IsCredit {
		isCredit = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stop_triggers (id, timestamp, group_id, group_name, value, stop_price, hwm, is_credit, order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Time, ev.GroupID, ev.GroupName, ev.Value, ev.StopPrice, ev.HWM, isCredit, ev.OrderID)
	if err != nil {
		return fmt.Errorf("failed to record stop trigger: %w", err)
	}
	return nil
}

// StopTriggers returns stop triggers, newest first.
func (s *SQLiteStore) StopTriggers(ctx context.Context, filter EventFilter) ([]models.StopTriggerEvent, error) {
	query := "SELECT id, timestamp, group_id, group_name, value, stop_price, hwm, is_credit, order_id FROM stop_triggers WHERE 1=1"
	query, args := applyFilter(query, filter, true)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stop triggers: %w", err)
	}
	defer rows.Close()

	var events []models.StopTriggerEvent
	for rows.Next() {
		var ev models.StopTriggerEvent
		var name sql.NullString
		var isCredit int
		var orderID sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.Time, &ev.GroupID, &name, &ev.Value, &ev.StopPrice, &ev.HWM, &isCredit, &orderID); err != nil {
			return nil, fmt.Errorf("failed to scan stop trigger: %w", err)
		}
		ev.GroupName = name.String
		ev.IsCredit = isCredit == 1
		ev.OrderID = int(orderID.Int64)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stop triggers: %w", err)
	}
	return events, nil
}

// ============================================================================
// Connection Events
// ============================================================================

// RecordConnectionEvent appends a connection transition.
func (s *SQLiteStore) RecordConnectionEvent(ctx context.Context, ev models.ConnectionEvent) error {
	s.stamp(&ev.ID, &ev.Time)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_events (id, timestamp, state, reason, attempt)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ID, ev.Time, ev.State, ev.Reason, ev.Attempt)
	if err != nil {
		return fmt.Errorf("failed to record connection event: %w", err)
	}
	return nil
}

// ConnectionEvents returns connection transitions, newest first. GroupID is
// ignored.
func (s *SQLiteStore) ConnectionEvents(ctx context.Context, filter EventFilter) ([]models.ConnectionEvent, error) {
	query := "SELECT id, timestamp, state, reason, attempt FROM connection_events WHERE 1=1"
	query, args := applyFilter(query, filter, false)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection events: %w", err)
	}
	defer rows.Close()

	var events []models.ConnectionEvent
	for rows.Next() {
		var ev models.ConnectionEvent
		var reason sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Time, &ev.State, &reason, &ev.Attempt); err != nil {
			return nil, fmt.Errorf("failed to scan connection event: %w", err)
		}
		ev.Reason = reason.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connection events: %w", err)
	}
	return events, nil
}

func applyFilter(query string, filter EventFilter, byGroup bool) (string, []interface{}) {
	args := []interface{}{}
	if byGroup && filter.GroupID != "" {
		query += " AND group_id = ?"
		args = append(args, filter.GroupID)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	query += " ORDER BY timestamp DESC, created_at DESC LIMIT ?"
	args = append(args, limit)
	return query, args
}
