// Package trading decides whether contracts are inside their trading session.
package trading

import (
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"trailstop/internal/models"
)

// MarketSession is the session state of a contract.
type MarketSession string

const (
	SessionOpen    MarketSession = "OPEN"
	SessionClosed  MarketSession = "CLOSED"
	SessionUnknown MarketSession = "UNKNOWN"
)

// SessionSource says how a session state was decided.
type SessionSource string

const (
	SourceHours SessionSource = "hours"
	SourceQuote SessionSource = "quote"
	SourceNone  SessionSource = "none"
)

// SessionInfo describes the session of one contract at a point in time.
type SessionInfo struct {
	ConID   int           `json:"con_id"`
	Session MarketSession `json:"session"`
	Source  SessionSource `json:"source"`
	// Window bounds when Source is SourceHours and the session is open.
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// Window is one trading window.
type Window struct {
	Open  time.Time
	Close time.Time
}

// Hours is a parsed trading-hours string.
type Hours struct {
	Location *time.Location
	Windows  []Window
	closed   map[string]bool
	days     map[string]bool
}

const (
	dayLayout    = "20060102"
	minuteLayout = "20060102:1504"
)

// ParseHours parses a terminal trading-hours string such as
// "20251209:0930-20251209:1600;20251210:CLOSED" in the zone tz.
func ParseHours(spec, tz string) (*Hours, error) {
	loc := Location(tz)
	h := &Hours{
		Location: loc,
		closed:   make(map[string]bool),
		days:     make(map[string]bool),
	}

	fields := strings.FieldsFunc(spec, func(r rune) bool { return r == ';' || r == ',' })
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if day, ok := strings.CutSuffix(f, ":CLOSED"); ok {
			if _, err := time.ParseInLocation(dayLayout, day, loc); err != nil {
				return nil, fmt.Errorf("invalid closed day %q: %w", f, err)
			}
			h.closed[day] = true
			continue
		}

		from, to, ok := strings.Cut(f, "-")
		if !ok {
			return nil, fmt.Errorf("invalid trading window %q", f)
		}
		open, err := time.ParseInLocation(minuteLayout, from, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid window start %q: %w", from, err)
		}
		closeAt, err := time.ParseInLocation(minuteLayout, to, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid window end %q: %w", to, err)
		}
		if !closeAt.After(open) {
			return nil, fmt.Errorf("trading window %q ends before it starts", f)
		}
		h.Windows = append(h.Windows, Window{Open: open, Close: closeAt})
		h.days[open.Format(dayLayout)] = true
	}
	return h, nil
}

// Covers reports whether the hours say anything about t's local date.
func (h *Hours) Covers(t time.Time) bool {
	day := t.In(h.Location).Format(dayLayout)
	if h.closed[day] || h.days[day] {
		return true
	}
	for _, w := range h.Windows {
		if !t.Before(w.Open) && t.Before(w.Close) {
			return true
		}
	}
	return false
}

// WindowAt returns the window containing t.
func (h *Hours) WindowAt(t time.Time) (Window, bool) {
	for _, w := range h.Windows {
		if !t.Before(w.Open) && t.Before(w.Close) {
			return w, true
		}
	}
	return Window{}, false
}

// IsOpen reports whether t falls inside a window.
func (h *Hours) IsOpen(t time.Time) bool {
	_, ok := h.WindowAt(t)
	return ok
}

// Location resolves a terminal time zone id. Ids like
// "EST (Eastern Standard Time)" are reduced to their first word; anything
// unknown is treated as US/Eastern.
func Location(tz string) *time.Location {
	candidates := []string{tz}
	if f := strings.Fields(tz); len(f) > 0 {
		candidates = append(candidates, f[0])
	}
	for _, c := range candidates {
		switch c {
		case "", "Local":
			continue
		case "EST", "EDT", "EST5EDT":
			c = "America/New_York"
		case "CST", "CDT", "CST6CDT":
			c = "America/Chicago"
		}
		if loc, err := time.LoadLocation(c); err == nil {
			return loc
		}
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// PositionSource exposes the trading hours attached to positions.
type PositionSource interface {
	Position(conID int) (models.Position, bool)
}

// QuoteSource exposes live quotes.
type QuoteSource interface {
	Quote(conID int) (models.Quote, bool)
}

// SessionManager answers market-open questions per contract. Parsed hours
// win whenever they cover today; otherwise a two-sided quote means open.
type SessionManager struct {
	positions PositionSource
	quotes    QuoteSource
	now       func() time.Time

	mu     sync.Mutex
	parsed map[string]*Hours
}

// NewSessionManager creates a session manager.
func NewSessionManager(positions PositionSource, quotes QuoteSource) *SessionManager {
	return &SessionManager{
		positions: positions,
		quotes:    quotes,
		now:       time.Now,
		parsed:    make(map[string]*Hours),
	}
}

func (m *SessionManager) hours(p models.Position) *Hours {
	spec := p.TradingHours
	if spec == "" {
		spec = p.LiquidHours
	}
	if spec == "" {
		return nil
	}

	key := p.TimeZoneID + "|" + spec
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.parsed[key]; ok {
		return h
	}
	h, err := ParseHours(spec, p.TimeZoneID)
	if err != nil {
		h = nil
	}
	m.parsed[key] = h
	return h
}

// SessionAt returns the session of one contract at t.
func (m *SessionManager) SessionAt(conID int, t time.Time) SessionInfo {
	info := SessionInfo{ConID: conID, Session: SessionUnknown, Source: SourceNone}

	if p, ok := m.positions.Position(conID); ok {
		if h := m.hours(p); h != nil && h.Covers(t) {
			info.Source = SourceHours
			info.Session = SessionClosed
			if w, ok := h.WindowAt(t); ok {
				info.Session = SessionOpen
				info.StartTime = w.Open
				info.EndTime = w.Close
			}
			return info
		}
	}

	if q, ok := m.quotes.Quote(conID); ok {
		info.Source = SourceQuote
		info.Session = SessionClosed
		if q.Bid > 0 && q.Ask > 0 {
			info.Session = SessionOpen
		}
	}
	return info
}

// IsOpen reports whether one contract is open now.
func (m *SessionManager) IsOpen(conID int) bool {
	return m.SessionAt(conID, m.now()).Session == SessionOpen
}

// GroupOpen reports whether every leg is open now. An empty group is closed.
func (m *SessionManager) GroupOpen(conIDs []int) bool {
	if len(conIDs) == 0 {
		return false
	}
	now := m.now()
	for _, id := range conIDs {
		if m.SessionAt(id, now).Session != SessionOpen {
			return false
		}
	}
	return true
}
