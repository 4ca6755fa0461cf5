package groups

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "trailstop/internal/errors"
	"trailstop/internal/models"
)

// PositionSource looks up held positions for allocation checks.
type PositionSource interface {
	Position(conID int) (models.Position, bool)
}

// CreateRequest describes a new group. IsCredit and EntryPrice come from the
// metrics of the allocated legs and are frozen for the group's lifetime.
type CreateRequest struct {
	Name       string
	Quantities map[int]int // conId -> requested quantity, sign taken from the position
	Trail      models.TrailConfig
	IsCredit   bool
	EntryPrice float64
}

// TickResult is the outcome of one trailing evaluation.
type TickResult struct {
	Value      float64 `json:"value"`
	HWM        float64 `json:"hwm"`
	StopPrice  float64 `json:"stop_price"`
	LimitPrice float64 `json:"limit_price"`
	HWMUpdated bool    `json:"hwm_updated"`
	Triggered  bool    `json:"triggered"`
}

// Manager owns the set of groups and persists every mutation.
type Manager struct {
	mu     sync.Mutex
	store  *Store
	groups map[string]*models.Group
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a manager and loads the store.
func NewManager(store *Store, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		store:  store,
		groups: make(map[string]*models.Group),
		logger: logger.With().Str("component", "groups").Logger(),
		now:    time.Now,
	}
	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, g := range loaded {
		m.groups[g.ID] = g
	}
	m.logger.Info().Int("groups", len(m.groups)).Str("path", store.Path()).Msg("Groups loaded")
	return m, nil
}

// syncLocked reloads from disk when another writer replaced the file.
func (m *Manager) syncLocked() {
	if !m.store.Modified() {
		return
	}
	loaded, err := m.store.Load()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Reloading groups failed, keeping memory state")
		return
	}
	m.groups = make(map[string]*models.Group, len(loaded))
	for _, g := range loaded {
		m.groups[g.ID] = g
	}
	m.logger.Info().Int("groups", len(m.groups)).Msg("Groups reloaded from disk")
}

func (m *Manager) saveLocked() error {
	all := make([]*models.Group, 0, len(m.groups))
	for _, g := range m.groups {
		all = append(all, g)
	}
	if err := m.store.Save(all); err != nil {
		m.logger.Error().Err(err).Msg("Saving groups failed")
		return err
	}
	return nil
}

// validateTrail checks the parts of a trail config that the stop derivation
// depends on. A percent trail of 100 or more would clamp a debit stop to zero.
func validateTrail(trail models.TrailConfig) error {
	switch trail.Mode {
	case models.TrailPercent, models.TrailAbsolute:
	default:
		return apperrors.NewValidationError("trail_mode", trail.Mode, "must be percent or absolute")
	}
	if trail.Value <= 0 || math.IsNaN(trail.Value) || math.IsInf(trail.Value, 0) {
		return apperrors.NewValidationError("trail_value", trail.Value, "must be positive")
	}
	if trail.Mode == models.TrailPercent && trail.Value >= 100 {
		return apperrors.NewValidationError("trail_value", trail.Value, "percent trail must be below 100")
	}
	if trail.LimitOffset < 0 || math.IsNaN(trail.LimitOffset) {
		return apperrors.NewValidationError("limit_offset", trail.LimitOffset, "must not be negative")
	}
	return nil
}

// NewGroupID returns a fresh group id.
func NewGroupID() string {
	return "grp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create validates the allocation against the ledger and stores the group.
// Nothing is committed when any leg fails.
func (m *Manager) Create(req CreateRequest, positions PositionSource) (*models.Group, error) {
	if len(req.Quantities) == 0 {
		return nil, apperrors.NewValidationError("position_quantities", req.Quantities, "at least one position is required")
	}
	if err := validateTrail(req.Trail); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()

	used := m.usedLocked()
	quantities := make(map[int]int, len(req.Quantities))
	for conID, q := range req.Quantities {
		if q == 0 {
			return nil, apperrors.NewValidationError("quantity", q, fmt.Sprintf("zero quantity for conId %d", conID))
		}
		pos, ok := positions.Position(conID)
		if !ok || pos.Quantity == 0 {
			return nil, fmt.Errorf("conId %d: %w", conID, apperrors.ErrPositionNotFound)
		}
		requested := absInt(q)
		available := math.Abs(pos.Quantity) - float64(used[conID])
		if float64(requested) > available {
			return nil, apperrors.NewAllocationError(conID, requested, available)
		}
		if pos.Quantity < 0 {
			quantities[conID] = -requested
		} else {
			quantities[conID] = requested
		}
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("Group %d", len(m.groups)+1)
	}

	g := &models.Group{
		ID:         NewGroupID(),
		Name:       name,
		Quantities: quantities,
		CreatedAt:  m.now(),
		Trail:      req.Trail,
		IsCredit:   req.IsCredit,
		EntryPrice: req.EntryPrice,
	}
	m.groups[g.ID] = g
	if err := m.saveLocked(); err != nil {
		delete(m.groups, g.ID)
		return nil, err
	}

	m.logger.Info().
		Str("group_id", g.ID).
		Str("group", g.Name).
		Int("positions", len(quantities)).
		Bool("is_credit", g.IsCredit).
		Float64("entry", g.EntryPrice).
		Msg("Group created")
	return g.Clone(), nil
}

// Get returns a copy of a group.
func (m *Manager) Get(id string) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, apperrors.ErrGroupNotFound)
	}
	return g.Clone(), nil
}

// List returns copies of all groups, oldest first.
func (m *Manager) List() []*models.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	out := make([]*models.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Configure replaces the trail configuration. The stop is re-derived from the
// current HWM so an active group picks up the new distance on its next tick.
// The stop type and trigger price are part of the resting order, so an active
// group refuses changes to either.
func (m *Manager) Configure(id string, trail models.TrailConfig) (*models.Group, error) {
	if err := validateTrail(trail); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()

	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, apperrors.ErrGroupNotFound)
	}
	if g.IsActive {
		if trail.StopType != g.Trail.StopType {
			return nil, fmt.Errorf("%s: stop type cannot change while trailing, deactivate first: %w", id, apperrors.ErrGroupActive)
		}
		if trail.TriggerPriceType != g.Trail.TriggerPriceType {
			return nil, fmt.Errorf("%s: trigger price cannot change while trailing, deactivate first: %w", id, apperrors.ErrGroupActive)
		}
	}
	prev, prevStop := g.Trail, g.StopPrice
	g.Trail = trail
	if g.HighWaterMark != 0 {
		g.StopPrice = StopPrice(g.HighWaterMark, trail.Mode, trail.Value, g.IsCredit)
	}
	if err := m.saveLocked(); err != nil {
		g.Trail, g.StopPrice = prev, prevStop
		return nil, err
	}
	return g.Clone(), nil
}

// Activate marks a group active with its starting HWM and resting orders.
func (m *Manager) Activate(id string, hwm float64, refs models.OrderRefs) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()

	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, apperrors.ErrGroupNotFound)
	}
	g.IsActive = true
	g.HighWaterMark = hwm
	g.StopPrice = StopPrice(hwm, g.Trail.Mode, g.Trail.Value, g.IsCredit)
	g.Orders = refs
	if err := m.saveLocked(); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("group_id", g.ID).
		Float64("hwm", g.HighWaterMark).
		Float64("stop", g.StopPrice).
		Int("order_id", refs.TrailingOrderID).
		Str("oca", refs.OCAGroupID).
		Msg("Group activated")
	return g.Clone(), nil
}

// SetOrders replaces the order ids recorded for a group.
func (m *Manager) SetOrders(id string, refs models.OrderRefs) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()

	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, apperrors.ErrGroupNotFound)
	}
	prev := g.Orders
	g.Orders = refs
	if err := m.saveLocked(); err != nil {
		g.Orders = prev
		return nil, err
	}
	return g.Clone(), nil
}

// Deactivate stops trailing. Order ids are kept unless clearOrders is set.
func (m *Manager) Deactivate(id string, clearOrders bool) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()

	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, apperrors.ErrGroupNotFound)
	}
	g.IsActive = false
	if clearOrders {
		g.Orders = models.OrderRefs{}
	}
	if err := m.saveLocked(); err != nil {
		return nil, err
	}
	m.logger.Info().Str("group_id", g.ID).Bool("clear_orders", clearOrders).Msg("Group deactivated")
	return g.Clone(), nil
}

// Delete removes an inactive group.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()

	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, apperrors.ErrGroupNotFound)
	}
	if g.IsActive {
		return fmt.Errorf("%s: %w", id, apperrors.ErrGroupActive)
	}
	delete(m.groups, id)
	if err := m.saveLocked(); err != nil {
		m.groups[id] = g
		return err
	}
	m.logger.Info().Str("group_id", id).Str("group", g.Name).Msg("Group deleted")
	return nil
}

// ApplyTick runs one trailing evaluation for an active group. The HWM only
// moves while marketOpen. A breach deactivates the group but keeps its order
// ids, since the resting stop is now working at the terminal. When the store
// cannot be written the group keeps its previous state, so the next tick
// evaluates the breach again.
func (m *Manager) ApplyTick(id string, value float64, marketOpen bool) (TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return TickResult{}, fmt.Errorf("%s: %w", id, apperrors.ErrGroupNotFound)
	}

	res := TickResult{Value: value, HWM: g.HighWaterMark, StopPrice: g.StopPrice}
	if !g.IsActive || value == 0 {
		res.LimitPrice = m.limitFor(g, res.StopPrice)
		return res, nil
	}

	prevActive, prevHWM, prevStop := g.IsActive, g.HighWaterMark, g.StopPrice
	dirty := false
	if marketOpen {
		if hwm, moved := UpdateHWM(g.IsCredit, g.HighWaterMark, value); moved {
			g.HighWaterMark = hwm
			res.HWM = hwm
			res.HWMUpdated = true
			dirty = true
		}
	}

	stop := StopPrice(g.HighWaterMark, g.Trail.Mode, g.Trail.Value, g.IsCredit)
	if stop != g.StopPrice {
		g.StopPrice = stop
		dirty = true
	}
	res.StopPrice = stop
	res.LimitPrice = m.limitFor(g, stop)

	if Triggered(g.IsCredit, value, stop) {
		g.IsActive = false
		res.Triggered = true
		dirty = true
	}

	if dirty {
		if err := m.saveLocked(); err != nil {
			g.IsActive, g.HighWaterMark, g.StopPrice = prevActive, prevHWM, prevStop
			return TickResult{Value: value, HWM: prevHWM, StopPrice: prevStop, LimitPrice: m.limitFor(g, prevStop)}, err
		}
	}
	return res, nil
}

func (m *Manager) limitFor(g *models.Group, stop float64) float64 {
	if g.Trail.StopType != models.StopLimit {
		return 0
	}
	return LimitPrice(stop, g.Trail.LimitOffset, g.IsCredit)
}

// Used returns the ledger: abs allocated quantity per contract over all groups.
func (m *Manager) Used() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	return m.usedLocked()
}

func (m *Manager) usedLocked() map[int]int {
	used := make(map[int]int)
	for _, g := range m.groups {
		for conID, q := range g.Quantities {
			used[conID] += absInt(q)
		}
	}
	return used
}

// Available returns the unallocated quantity of a position.
func (m *Manager) Available(conID int, positionQty float64) float64 {
	used := m.Used()
	return math.Abs(positionQty) - float64(used[conID])
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
