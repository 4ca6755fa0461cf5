package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trailstop/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal", "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOrderEventsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 14, 14, 0, 0, 0, time.UTC)

	events := []models.OrderEvent{
		{Time: base, Kind: models.OrderEventPlace, GroupID: "g1", OrderID: 11, Symbol: "SPX", Action: models.ActionSell, Quantity: 2, StopPrice: 4.6, Status: models.StatusSubmitted},
		{Time: base.Add(time.Minute), Kind: models.OrderEventModify, GroupID: "g1", OrderID: 11, Symbol: "SPX", Action: models.ActionSell, Quantity: 2, StopPrice: 4.8, Status: models.StatusSubmitted},
		{Time: base.Add(2 * time.Minute), Kind: models.OrderEventReject, GroupID: "g2", OrderID: 12, Symbol: "SPY", Message: "rejected"},
	}
	for _, ev := range events {
		if err := s.RecordOrderEvent(ctx, ev); err != nil {
			t.Fatalf("RecordOrderEvent() error = %v", err)
		}
	}

	got, err := s.OrderEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("OrderEvents() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("OrderEvents() = %d rows, want 3", len(got))
	}
	if got[0].Kind != models.OrderEventReject || got[2].Kind != models.OrderEventPlace {
		t.Fatalf("rows not newest first: %v, %v", got[0].Kind, got[2].Kind)
	}
	if got[0].ID == "" || got[0].Message != "rejected" {
		t.Fatalf("row = %+v", got[0])
	}
	if !got[1].Time.Equal(base.Add(time.Minute)) || got[1].StopPrice != 4.8 {
		t.Fatalf("modify row = %+v", got[1])
	}

	byGroup, err := s.OrderEvents(ctx, EventFilter{GroupID: "g1", Limit: 1})
	if err != nil {
		t.Fatalf("OrderEvents(g1) error = %v", err)
	}
	if len(byGroup) != 1 || byGroup[0].Kind != models.OrderEventModify {
		t.Fatalf("OrderEvents(g1, 1) = %+v", byGroup)
	}

	since, err := s.OrderEvents(ctx, EventFilter{Since: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatalf("OrderEvents(since) error = %v", err)
	}
	if len(since) != 1 {
		t.Fatalf("OrderEvents(since) = %d rows, want 1", len(since))
	}
}

func TestStopTriggersAndConnectionEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trigger := models.StopTriggerEvent{GroupID: "g1", GroupName: "SPX put spread", Value: -5.2, StopPrice: -5.1, HWM: -4.6, IsCredit: true, OrderID: 11}
	if err := s.RecordStopTrigger(ctx, trigger); err != nil {
		t.Fatalf("RecordStopTrigger() error = %v", err)
	}
	triggers, err := s.StopTriggers(ctx, EventFilter{GroupID: "g1"})
	if err != nil {
		t.Fatalf("StopTriggers() error = %v", err)
	}
	if len(triggers) != 1 || !triggers[0].IsCredit || triggers[0].HWM != -4.6 || triggers[0].OrderID != 11 {
		t.Fatalf("StopTriggers() = %+v", triggers)
	}

	for _, state := range []string{"Connecting", "Connected"} {
		if err := s.RecordConnectionEvent(ctx, models.ConnectionEvent{State: state}); err != nil {
			t.Fatalf("RecordConnectionEvent() error = %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.RecordConnectionEvent(ctx, models.ConnectionEvent{State: "HeartbeatTimeout", Reason: "Heartbeat timeout"}); err != nil {
		t.Fatalf("RecordConnectionEvent() error = %v", err)
	}

	conns, err := s.ConnectionEvents(ctx, EventFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ConnectionEvents() error = %v", err)
	}
	if len(conns) != 2 || conns[0].State != "HeartbeatTimeout" || conns[0].Reason != "Heartbeat timeout" {
		t.Fatalf("ConnectionEvents() = %+v", conns)
	}

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
