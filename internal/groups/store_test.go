package groups

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trailstop/internal/models"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.json")
	s := NewStore(path, zerolog.Nop())

	g := &models.Group{
		ID:         "grp_abc",
		Name:       "SPX put spread",
		Quantities: map[int]int{101: -2, 102: 2},
		CreatedAt:  time.Date(2025, 12, 9, 10, 0, 0, 0, time.UTC),
		Trail: models.TrailConfig{
			Enabled:          true,
			Mode:             models.TrailAbsolute,
			Value:            1.5,
			TriggerPriceType: models.TriggerMid,
			StopType:         models.StopLimit,
			LimitOffset:      0.2,
			TimeExitEnabled:  true,
			TimeExitTime:     "15:55",
		},
		IsCredit:      true,
		EntryPrice:    -4.1,
		IsActive:      true,
		HighWaterMark: -3.2,
		StopPrice:     4.7,
		Orders:        models.OrderRefs{TrailingOrderID: 42, TimeExitOrderID: 43},
	}
	if err := s.Save([]*models.Group{g}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"101": -2`) {
		t.Fatalf("expected string contract id keys, got %s", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file should be renamed away")
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 group, got %d", len(loaded))
	}
	got := loaded[0]
	if got.Quantities[101] != -2 || got.Trail != g.Trail || got.Orders != g.Orders ||
		!got.CreatedAt.Equal(g.CreatedAt) || got.EntryPrice != -4.1 || !got.IsCredit {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if s.Modified() {
		t.Fatal("store should not report its own save as a modification")
	}
}

func TestStoreSkipsMalformedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.json")
	content := `{"groups":[
		{"id":"grp_ok","name":"ok","position_quantities":{"1":1},"trail_mode":"percent","trail_value":10},
		{"id":"grp_badkey","position_quantities":{"abc":1}},
		{"id":"grp_badmode","position_quantities":{"2":1},"trail_mode":"sideways"},
		{"name":"no id","position_quantities":{"3":1}},
		"not an object",
		{"id":"grp_legacy","name":"legacy","con_ids":[5,6],"created_at":"2025-12-09T10:11:12.123456"}
	]}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := NewStore(path, zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 good records, got %d", len(loaded))
	}

	byID := map[string]*models.Group{}
	for _, g := range loaded {
		byID[g.ID] = g
	}
	legacy, ok := byID["grp_legacy"]
	if !ok {
		t.Fatal("legacy record missing")
	}
	if legacy.Quantities[5] != 1 || legacy.Quantities[6] != 1 {
		t.Fatalf("legacy con_ids should map to qty 1, got %v", legacy.Quantities)
	}
	if legacy.CreatedAt.IsZero() || legacy.Trail.Mode != models.TrailPercent || legacy.Trail.StopType != models.StopMarket {
		t.Fatalf("legacy defaults not applied: %+v", legacy)
	}
}

func TestStoreMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "none.json"), zerolog.Nop())
	groups, err := s.Load()
	if err != nil || len(groups) != 0 {
		t.Fatalf("missing file should load empty, got %v, %v", groups, err)
	}
	if s.Modified() {
		t.Fatal("missing file is not a modification")
	}
}
