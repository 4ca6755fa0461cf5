package trading

import (
	"testing"
	"time"

	"trailstop/internal/models"
)

type positionMap map[int]models.Position

func (p positionMap) Position(conID int) (models.Position, bool) {
	pos, ok := p[conID]
	return pos, ok
}

type quoteMap map[int]models.Quote

func (q quoteMap) Quote(conID int) (models.Quote, bool) {
	quote, ok := q[conID]
	return quote, ok
}

const spxHours = "20251209:0930-20251209:1600;20251210:CLOSED"

func eastern(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, Location("US/Eastern"))
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestParseHours(t *testing.T) {
	h, err := ParseHours(spxHours, "US/Eastern")
	if err != nil {
		t.Fatalf("ParseHours() error = %v", err)
	}
	if len(h.Windows) != 1 {
		t.Fatalf("windows = %d, want 1", len(h.Windows))
	}

	tests := []struct {
		at     string
		open   bool
		covers bool
	}{
		{"2025-12-09 09:29", false, true},
		{"2025-12-09 09:30", true, true},
		{"2025-12-09 15:59", true, true},
		{"2025-12-09 16:00", false, true},
		{"2025-12-10 11:00", false, true},
		{"2025-12-11 11:00", false, false},
	}
	for _, tt := range tests {
		at := eastern(t, tt.at)
		if got := h.IsOpen(at); got != tt.open {
			t.Fatalf("IsOpen(%s) = %v, want %v", tt.at, got, tt.open)
		}
		if got := h.Covers(at); got != tt.covers {
			t.Fatalf("Covers(%s) = %v, want %v", tt.at, got, tt.covers)
		}
	}
}

func TestParseHoursInvalid(t *testing.T) {
	for _, spec := range []string{"20251209:0930", "20251209:1600-20251209:0930", "garbage:CLOSED"} {
		if _, err := ParseHours(spec, "US/Eastern"); err == nil {
			t.Fatalf("ParseHours(%q) succeeded", spec)
		}
	}
}

func TestLocation(t *testing.T) {
	if got := Location("EST (Eastern Standard Time)").String(); got != "America/New_York" {
		t.Fatalf("Location(EST ...) = %s", got)
	}
	if got := Location("Nowhere/Special").String(); got != "America/New_York" {
		t.Fatalf("unknown zone = %s, want America/New_York", got)
	}
	if got := Location("US/Central").String(); got != "US/Central" {
		t.Fatalf("Location(US/Central) = %s", got)
	}
}

func TestSessionManager_HoursWinOverQuote(t *testing.T) {
	positions := positionMap{
		1: {Contract: models.Contract{ConID: 1}, TradingHours: spxHours, TimeZoneID: "US/Eastern"},
		2: {Contract: models.Contract{ConID: 2}, TradingHours: spxHours, TimeZoneID: "US/Eastern"},
	}
	quotes := quoteMap{
		1: {Bid: 4.0, Ask: 4.2},
		2: {Bid: 3.0, Ask: 3.2},
	}
	m := NewSessionManager(positions, quotes)

	// After the close a two-sided quote does not reopen the market.
	m.now = func() time.Time { return eastern(t, "2025-12-09 16:30") }
	if m.IsOpen(1) {
		t.Fatalf("IsOpen after close = true")
	}
	info := m.SessionAt(1, m.now())
	if info.Source != SourceHours || info.Session != SessionClosed {
		t.Fatalf("SessionAt() = %+v", info)
	}

	m.now = func() time.Time { return eastern(t, "2025-12-09 10:00") }
	if !m.GroupOpen([]int{1, 2}) {
		t.Fatalf("GroupOpen during session = false")
	}
}

func TestSessionManager_QuoteFallback(t *testing.T) {
	positions := positionMap{
		1: {Contract: models.Contract{ConID: 1}, TradingHours: spxHours, TimeZoneID: "US/Eastern"},
		2: {Contract: models.Contract{ConID: 2}},
	}
	quotes := quoteMap{
		1: {Bid: 4.0, Ask: 4.2},
		2: {Bid: 0, Ask: 3.2},
		3: {Bid: 1.0, Ask: 1.1},
	}
	m := NewSessionManager(positions, quotes)
	m.now = func() time.Time { return eastern(t, "2025-12-12 10:00") }

	if !m.IsOpen(1) {
		t.Fatalf("hours not covering today should fall back to the quote")
	}
	if m.IsOpen(2) {
		t.Fatalf("one-sided quote reported open")
	}
	if !m.IsOpen(3) {
		t.Fatalf("contract without position should use its quote")
	}
	if m.GroupOpen([]int{1, 2}) {
		t.Fatalf("GroupOpen with a closed leg = true")
	}
	if m.GroupOpen(nil) {
		t.Fatalf("empty group reported open")
	}
	if got := m.SessionAt(99, m.now()).Session; got != SessionUnknown {
		t.Fatalf("unknown contract session = %s", got)
	}
}
