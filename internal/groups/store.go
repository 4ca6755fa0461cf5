package groups

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "trailstop/internal/errors"
	"trailstop/internal/models"
)

// record is the on-disk shape of a group. Contract ids are string keys.
type record struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	PositionQuantities map[string]int `json:"position_quantities,omitempty"`
	ConIDs             []int          `json:"con_ids,omitempty"`
	CreatedAt          string         `json:"created_at"`
	IsActive           bool           `json:"is_active"`

	TrailEnabled     bool    `json:"trail_enabled"`
	TrailMode        string  `json:"trail_mode"`
	TrailValue       float64 `json:"trail_value"`
	TriggerPriceType string  `json:"trigger_price_type"`
	StopType         string  `json:"stop_type"`
	LimitOffset      float64 `json:"limit_offset"`

	TimeExitEnabled bool   `json:"time_exit_enabled"`
	TimeExitTime    string `json:"time_exit_time"`

	HighWaterMark float64 `json:"high_water_mark"`
	StopPrice     float64 `json:"stop_price"`

	OCAGroupID      string `json:"oca_group_id"`
	TrailingOrderID int    `json:"trailing_order_id"`
	TimeExitOrderID int    `json:"time_exit_order_id"`

	IsCredit   bool    `json:"is_credit"`
	EntryPrice float64 `json:"entry_price"`
}

type document struct {
	Groups []json.RawMessage `json:"groups"`
}

// Store persists groups to a single JSON file.
type Store struct {
	path   string
	logger zerolog.Logger

	mu       sync.Mutex
	lastSync time.Time
}

// NewStore creates a store backed by path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "group_store").Logger(),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Modified reports whether the file changed since the last load or save.
func (s *Store) Modified() bool {
	info, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return info.ModTime().After(s.lastSync)
}

// Load reads every well-formed group. A missing file yields no groups.
func (s *Store) Load() ([]*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat groups file: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading groups file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.NewDataError("groups", s.path, "malformed groups file", err)
	}

	groups := make([]*models.Group, 0, len(doc.Groups))
	for i, raw := range doc.Groups {
		g, err := decodeRecord(raw)
		if err != nil {
			s.logger.Warn().Err(err).Int("index", i).Msg("Skipping malformed group record")
			continue
		}
		groups = append(groups, g)
	}

	s.lastSync = info.ModTime()
	return groups, nil
}

// Save writes all groups to a temp file and renames it into place.
func (s *Store) Save(groups []*models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := append([]*models.Group(nil), groups...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := struct {
		Groups []record `json:"groups"`
	}{Groups: make([]record, 0, len(sorted))}
	for _, g := range sorted {
		out.Groups = append(out.Groups, encodeRecord(g))
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding groups: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating groups directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing groups temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing groups file: %w", err)
	}

	if info, err := os.Stat(s.path); err == nil {
		s.lastSync = info.ModTime()
	}
	s.logger.Debug().Int("groups", len(sorted)).Msg("Groups saved")
	return nil
}

func encodeRecord(g *models.Group) record {
	qty := make(map[string]int, len(g.Quantities))
	for id, q := range g.Quantities {
		qty[strconv.Itoa(id)] = q
	}
	return record{
		ID:                 g.ID,
		Name:               g.Name,
		PositionQuantities: qty,
		CreatedAt:          g.CreatedAt.Format(time.RFC3339Nano),
		IsActive:           g.IsActive,
		TrailEnabled:       g.Trail.Enabled,
		TrailMode:          string(g.Trail.Mode),
		TrailValue:         g.Trail.Value,
		TriggerPriceType:   string(g.Trail.TriggerPriceType),
		StopType:           string(g.Trail.StopType),
		LimitOffset:        g.Trail.LimitOffset,
		TimeExitEnabled:    g.Trail.TimeExitEnabled,
		TimeExitTime:       g.Trail.TimeExitTime,
		HighWaterMark:      g.HighWaterMark,
		StopPrice:          g.StopPrice,
		OCAGroupID:         g.Orders.OCAGroupID,
		TrailingOrderID:    g.Orders.TrailingOrderID,
		TimeExitOrderID:    g.Orders.TimeExitOrderID,
		IsCredit:           g.IsCredit,
		EntryPrice:         g.EntryPrice,
	}
}

// created_at layouts seen in existing files
var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func decodeRecord(raw json.RawMessage) (*models.Group, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, fmt.Errorf("record has no id")
	}

	quantities := make(map[int]int)
	if r.PositionQuantities == nil && len(r.ConIDs) > 0 {
		for _, id := range r.ConIDs {
			quantities[id] = 1
		}
	}
	for key, q := range r.PositionQuantities {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("group %s: invalid contract id %q", r.ID, key)
		}
		quantities[id] = q
	}
	if len(quantities) == 0 {
		return nil, fmt.Errorf("group %s has no positions", r.ID)
	}

	trail, err := decodeTrail(r)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", r.ID, err)
	}

	g := &models.Group{
		ID:            r.ID,
		Name:          r.Name,
		Quantities:    quantities,
		Trail:         trail,
		IsCredit:      r.IsCredit,
		EntryPrice:    r.EntryPrice,
		IsActive:      r.IsActive,
		HighWaterMark: r.HighWaterMark,
		StopPrice:     r.StopPrice,
		Orders: models.OrderRefs{
			OCAGroupID:      r.OCAGroupID,
			TrailingOrderID: r.TrailingOrderID,
			TimeExitOrderID: r.TimeExitOrderID,
		},
	}
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, r.CreatedAt); err == nil {
			g.CreatedAt = t
			break
		}
	}
	return g, nil
}

func decodeTrail(r record) (models.TrailConfig, error) {
	t := models.TrailConfig{
		Enabled:          r.TrailEnabled,
		Mode:             models.TrailPercent,
		Value:            r.TrailValue,
		TriggerPriceType: models.TriggerMark,
		StopType:         models.StopMarket,
		LimitOffset:      r.LimitOffset,
		TimeExitEnabled:  r.TimeExitEnabled,
		TimeExitTime:     r.TimeExitTime,
	}
	var err error
	if r.TrailMode != "" {
		if t.Mode, err = models.ParseTrailMode(r.TrailMode); err != nil {
			return t, err
		}
	}
	if r.TriggerPriceType != "" {
		if t.TriggerPriceType, err = models.ParseTriggerPriceType(r.TriggerPriceType); err != nil {
			return t, err
		}
	}
	if r.StopType != "" {
		if t.StopType, err = models.ParseStopType(r.StopType); err != nil {
			return t, err
		}
	}
	return t, nil
}
