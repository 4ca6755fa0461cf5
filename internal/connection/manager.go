// Package connection owns the terminal session: connect, heartbeat, portfolio
// refresh and reconnection with exponential backoff. A single worker
// goroutine is the only user of the session; everything else reaches it
// through Do.
package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"trailstop/internal/broker"
	apperrors "trailstop/internal/errors"
	"trailstop/internal/logging"
	"trailstop/internal/marketdata"
	"trailstop/internal/models"
	"trailstop/internal/telemetry"
	"trailstop/internal/ticks"
)

// State is a connection lifecycle state.
type State string

const (
	StateDisconnected     State = "Disconnected"
	StateConnecting       State = "Connecting"
	StateConnected        State = "Connected"
	StateConnectionLost   State = "ConnectionLost"
	StateHeartbeatTimeout State = "HeartbeatTimeout"
	StateReconnecting     State = "Reconnecting"
	StateFailed           State = "Failed"
)

// Disconnect reasons.
const (
	ReasonHeartbeatTimeout = "Heartbeat timeout"
	ReasonSessionDown      = "session.IsConnected() returned false"
	ReasonUserDisconnect   = "Disconnected by user"
)

// Config holds connection manager configuration.
type Config struct {
	Host     string
	Port     int
	ClientID int

	HeartbeatInterval time.Duration
	PortfolioInterval time.Duration

	ReconnectInitialDelay time.Duration
	ReconnectFactor       float64
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int // 0 retries forever

	ExecutionLookback time.Duration

	Logger zerolog.Logger
}

// Metrics is a point-in-time view of the connection.
type Metrics struct {
	State                State          `json:"state"`
	Connected            bool           `json:"connected"`
	Uptime               time.Duration  `json:"uptime"`
	ReconnectCount       int            `json:"reconnect_count"`
	LastHeartbeatAge     *time.Duration `json:"last_heartbeat_age,omitempty"`
	LastDisconnectReason string         `json:"last_disconnect_reason,omitempty"`
}

type command struct {
	ctx   context.Context
	fn    func(ctx context.Context, s broker.Session) error
	reply chan error
}

type controlOp int

const (
	opConnect controlOp = iota
	opDisconnect
	opReconnect
)

type control struct {
	op    controlOp
	reply chan error
}

// Manager owns the terminal session and the state derived from it.
type Manager struct {
	session  broker.Session
	cache    *marketdata.Cache
	resolver *ticks.Resolver
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	cmds   chan command
	ctrl   chan control
	events chan models.ConnectionEvent

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	listenersMu sync.RWMutex
	listeners   []func(models.ConnectionEvent)

	// Owned by the worker goroutine.
	backoff       *backoff.ExponentialBackOff
	retry         *time.Timer
	retryC        <-chan time.Time
	autoReconnect bool

	mu             sync.RWMutex
	state          State
	reason         string
	connectedAt    time.Time
	lastHeartbeat  time.Time
	reconnectCount int
	attempt        int
	retryAt        time.Time
	positions      map[int]models.Position
	entryPrices    map[int]float64
}

// New creates a manager. Nothing runs until Connect.
func New(session broker.Session, cache *marketdata.Cache, resolver *ticks.Resolver, cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.PortfolioInterval <= 0 {
		cfg.PortfolioInterval = 500 * time.Millisecond
	}
	if cfg.ExecutionLookback <= 0 {
		cfg.ExecutionLookback = 7 * 24 * time.Hour
	}
	return &Manager{
		session:     session,
		cache:       cache,
		resolver:    resolver,
		cfg:         cfg,
		logger:      logging.WithComponent(cfg.Logger, "connection"),
		now:         time.Now,
		cmds:        make(chan command, 64),
		ctrl:        make(chan control),
		events:      make(chan models.ConnectionEvent, 64),
		done:        make(chan struct{}),
		backoff:     newBackOff(cfg.ReconnectInitialDelay, cfg.ReconnectFactor, cfg.ReconnectMaxDelay),
		state:       StateDisconnected,
		positions:   make(map[int]models.Position),
		entryPrices: make(map[int]float64),
	}
}

// OnStateChange registers fn for every state transition. Listeners run on a
// dispatcher goroutine, in order, and may call Do.
func (m *Manager) OnStateChange(fn func(models.ConnectionEvent)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

func (m *Manager) start() {
	m.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.run(ctx)
		go m.dispatch(ctx)
	})
}

// Close stops the worker and closes the session.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		m.start()
		m.cancel()
		<-m.done
	})
}

// Connect connects to the terminal and enables auto-reconnect. It returns the
// result of the first attempt; on failure the manager keeps retrying in the
// background.
func (m *Manager) Connect(ctx context.Context) error {
	m.start()
	return m.control(ctx, opConnect)
}

// Disconnect closes the session, disables auto-reconnect, aborts any backoff
// wait and forgets all positions.
func (m *Manager) Disconnect() error {
	m.start()
	return m.control(context.Background(), opDisconnect)
}

// RequestReconnect drops the current session, resets the backoff and
// connects immediately. It also recovers from Failed.
func (m *Manager) RequestReconnect(ctx context.Context) error {
	m.start()
	return m.control(ctx, opReconnect)
}

func (m *Manager) control(ctx context.Context, op controlOp) error {
	reply := make(chan error, 1)
	select {
	case m.ctrl <- control{op: op, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return apperrors.ErrNotConnected
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn against the session on the worker goroutine. It fails with
// ErrNotConnected unless the manager is connected.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, s broker.Session) error) error {
	select {
	case <-m.done:
		return apperrors.ErrNotConnected
	default:
	}
	if !m.IsConnected() {
		return apperrors.ErrNotConnected
	}

	reply := make(chan error, 1)
	select {
	case m.cmds <- command{ctx: ctx, fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return apperrors.ErrNotConnected
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	portfolio := time.NewTicker(m.cfg.PortfolioInterval)
	defer portfolio.Stop()

	ticksC := m.session.Ticks()
	for {
		select {
		case <-ctx.Done():
			m.stopRetry()
			_ = m.session.Disconnect()
			m.setState(StateDisconnected)
			return
		case t := <-ticksC:
			m.cache.OnTick(t)
		case c := <-m.ctrl:
			c.reply <- m.handleControl(ctx, c.op)
		case cmd := <-m.cmds:
			cmd.reply <- m.handleCommand(cmd)
		case <-heartbeat.C:
			if m.State() == StateConnected {
				m.heartbeat(ctx)
			}
		case <-portfolio.C:
			if m.State() == StateConnected {
				m.refresh(ctx)
			}
		case <-m.retryC:
			m.retryC = nil
			_ = m.attemptConnect(ctx)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.listenersMu.RLock()
			listeners := append(([]func(models.ConnectionEvent))(nil), m.listeners...)
			m.listenersMu.RUnlock()
			for _, fn := range listeners {
				fn(ev)
			}
		}
	}
}

func (m *Manager) handleCommand(cmd command) error {
	if err := cmd.ctx.Err(); err != nil {
		return err
	}
	if m.State() != StateConnected {
		return apperrors.ErrNotConnected
	}
	return cmd.fn(cmd.ctx, m.session)
}

func (m *Manager) handleControl(ctx context.Context, op controlOp) error {
	switch op {
	case opConnect:
		m.autoReconnect = true
		if m.State() == StateConnected {
			return nil
		}
		m.resetRetry()
		return m.attemptConnect(ctx)

	case opReconnect:
		m.autoReconnect = true
		m.resetRetry()
		if m.session.IsConnected() {
			_ = m.session.Disconnect()
		}
		return m.attemptConnect(ctx)

	case opDisconnect:
		m.autoReconnect = false
		m.stopRetry()
		_ = m.session.Disconnect()
		m.cache.Clear()
		m.mu.Lock()
		m.positions = make(map[int]models.Position)
		m.entryPrices = make(map[int]float64)
		m.reason = ReasonUserDisconnect
		m.connectedAt = time.Time{}
		m.mu.Unlock()
		m.setState(StateDisconnected)
	}
	return nil
}

func (m *Manager) resetRetry() {
	m.stopRetry()
	m.backoff.Reset()
	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
	}
	m.retry = nil
	m.retryC = nil
}

func (m *Manager) scheduleRetry() {
	delay := m.backoff.NextBackOff()
	m.stopRetry()
	m.retry = time.NewTimer(delay)
	m.retryC = m.retry.C

	m.mu.Lock()
	m.retryAt = m.now().Add(delay)
	m.mu.Unlock()
	m.setState(StateReconnecting)
}

func (m *Manager) attemptConnect(ctx context.Context) error {
	m.setState(StateConnecting)

	err := m.session.Connect(ctx, m.cfg.Host, m.cfg.Port, m.cfg.ClientID)
	if err == nil {
		if err = m.onSessionUp(ctx); err != nil {
			_ = m.session.Disconnect()
		}
	}
	if err != nil {
		m.attemptFailed(err)
		return err
	}
	return nil
}

func (m *Manager) attemptFailed(err error) {
	m.mu.Lock()
	m.reconnectCount++
	m.attempt++
	attempt := m.attempt
	if m.reason == "" || m.reason == ReasonUserDisconnect {
		m.reason = err.Error()
	}
	m.mu.Unlock()
	telemetry.IncReconnectAttempts()

	m.logger.Warn().Err(err).Int("attempt", attempt).Msg("Connection attempt failed")

	if m.cfg.ReconnectMaxAttempts > 0 && attempt >= m.cfg.ReconnectMaxAttempts {
		m.logger.Error().Err(apperrors.ErrReconnectFailed).Int("attempts", attempt).Msg("Giving up on terminal")
		m.stopRetry()
		m.setState(StateFailed)
		return
	}
	if !m.autoReconnect {
		m.setState(StateDisconnected)
		return
	}
	m.scheduleRetry()
}

// onSessionUp runs the connect sequence. Schedules are preloaded before any
// subscription so no order path can see an unloaded contract.
func (m *Manager) onSessionUp(ctx context.Context) error {
	m.resolver.Reset()

	items, err := m.session.Portfolio(ctx)
	if err != nil {
		return fmt.Errorf("fetching portfolio: %w", err)
	}

	contracts := make([]models.Contract, 0, len(items))
	for _, it := range items {
		if it.Position != 0 {
			contracts = append(contracts, it.Contract)
		}
	}
	if err := m.resolver.Preload(ctx, m.session, contracts); err != nil {
		return fmt.Errorf("preloading increments: %w", err)
	}

	positions := m.buildPositions(items)

	m.mu.RLock()
	previous := m.positions
	m.mu.RUnlock()
	for id := range previous {
		if _, ok := positions[id]; !ok {
			m.cache.Unsubscribe(id)
		}
	}
	for _, p := range positions {
		m.subscribe(ctx, p.Contract)
	}

	entries := m.loadEntryPrices(ctx, positions)

	now := m.now()
	m.mu.Lock()
	m.positions = positions
	m.entryPrices = entries
	m.connectedAt = now
	m.lastHeartbeat = now
	m.attempt = 0
	m.mu.Unlock()

	m.backoff.Reset()
	m.stopRetry()
	m.setState(StateConnected)
	m.logger.Info().
		Str("host", m.cfg.Host).
		Int("port", m.cfg.Port).
		Int("positions", len(positions)).
		Msg("Terminal session established")
	return nil
}

func (m *Manager) buildPositions(items []models.PortfolioItem) map[int]models.Position {
	out := make(map[int]models.Position, len(items))
	for _, it := range items {
		if it.Position == 0 {
			continue
		}
		p := models.Position{
			Contract:      it.Contract,
			Quantity:      it.Position,
			AvgCost:       it.AverageCost,
			MarketPrice:   it.MarketPrice,
			MarketValue:   it.MarketValue,
			UnrealizedPnL: it.UnrealizedPnL,
		}
		if d, ok := m.resolver.Details(it.Contract.ConID); ok {
			p.TradingHours = d.TradingHours
			p.LiquidHours = d.LiquidHours
			p.TimeZoneID = d.TimeZoneID
		}
		out[it.Contract.ConID] = p
	}
	return out
}

func (m *Manager) subscribe(ctx context.Context, c models.Contract) {
	m.cache.Subscribe(c)
	if err := m.session.SubscribeMarketData(ctx, c); err != nil {
		logger := logging.WithConID(m.logger, c.ConID)
		logger.Warn().Err(err).Msg("Market data subscription failed")
	}
}

func (m *Manager) loadEntryPrices(ctx context.Context, positions map[int]models.Position) map[int]float64 {
	list := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		list = append(list, p)
	}
	execs, err := m.session.Executions(ctx, m.now().Add(-m.cfg.ExecutionLookback))
	if err != nil {
		m.logger.Warn().Err(err).Msg("Executions unavailable, using average cost for entry prices")
	}
	return EntryPrices(list, execs)
}

// refresh replaces positions with the current portfolio. Newly seen
// contracts are preloaded before they are subscribed.
func (m *Manager) refresh(ctx context.Context) {
	items, err := m.session.Portfolio(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Portfolio refresh failed")
		return
	}

	m.mu.RLock()
	previous := m.positions
	m.mu.RUnlock()

	var fresh []models.Contract
	for _, it := range items {
		if _, ok := previous[it.Contract.ConID]; !ok && it.Position != 0 {
			fresh = append(fresh, it.Contract)
		}
	}
	if len(fresh) > 0 {
		if err := m.resolver.Preload(ctx, m.session, fresh); err != nil {
			return
		}
	}

	positions := m.buildPositions(items)
	for id := range previous {
		if _, ok := positions[id]; !ok {
			m.cache.Unsubscribe(id)
			_ = m.session.CancelMarketData(ctx, id)
		}
	}

	added := make(map[int]models.Position)
	for _, c := range fresh {
		if p, ok := positions[c.ConID]; ok {
			m.subscribe(ctx, c)
			added[c.ConID] = p
		}
	}
	var entries map[int]float64
	if len(added) > 0 {
		entries = m.loadEntryPrices(ctx, added)
		m.logger.Info().Int("added", len(added)).Msg("New positions detected")
	}

	m.mu.Lock()
	m.positions = positions
	for id := range m.entryPrices {
		if _, ok := positions[id]; !ok {
			delete(m.entryPrices, id)
		}
	}
	for id, px := range entries {
		m.entryPrices[id] = px
	}
	m.mu.Unlock()
}

func (m *Manager) heartbeat(ctx context.Context) {
	if !m.session.IsConnected() {
		m.lost(StateConnectionLost, ReasonSessionDown)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
	ts, err := m.session.CurrentTime(hctx)
	cancel()
	if err != nil || ts.IsZero() {
		m.logger.Warn().Err(err).Msg("Heartbeat failed")
		m.lost(StateHeartbeatTimeout, ReasonHeartbeatTimeout)
		return
	}

	m.mu.Lock()
	m.lastHeartbeat = m.now()
	m.mu.Unlock()
	telemetry.SetHeartbeatAge(0)
}

// lost handles a dropped session. Positions are kept for the outage.
func (m *Manager) lost(state State, reason string) {
	m.mu.Lock()
	m.reason = reason
	m.attempt = 0
	m.connectedAt = time.Time{}
	m.mu.Unlock()

	m.setState(state)
	_ = m.session.Disconnect()
	m.backoff.Reset()

	if !m.autoReconnect {
		m.setState(StateDisconnected)
		return
	}
	m.scheduleRetry()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	reason := m.reason
	attempt := m.attempt
	m.mu.Unlock()
	if prev == s {
		return
	}

	telemetry.SetConnectionState(string(s))
	logReason := reason
	if s == StateConnected || s == StateConnecting {
		logReason = ""
	}
	logging.LogConnection(m.logger, string(s), logReason, attempt)

	ev := models.ConnectionEvent{Time: m.now(), State: string(s), Attempt: attempt}
	if s != StateConnected {
		ev.Reason = reason
	}
	select {
	case m.events <- ev:
	default:
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether orders can be placed.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Status returns a one-line human readable status.
func (m *Manager) Status() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.state {
	case StateConnected:
		return fmt.Sprintf("Connected to %s:%d", m.cfg.Host, m.cfg.Port)
	case StateConnecting:
		return fmt.Sprintf("Connecting to %s:%d", m.cfg.Host, m.cfg.Port)
	case StateReconnecting:
		wait := m.retryAt.Sub(m.now()).Round(time.Second)
		if wait < 0 {
			wait = 0
		}
		return fmt.Sprintf("Reconnecting in %s (#%d) (%s)", wait, m.attempt+1, m.reason)
	case StateConnectionLost, StateHeartbeatTimeout:
		return fmt.Sprintf("Connection lost (%s)", m.reason)
	case StateFailed:
		return fmt.Sprintf("Reconnection failed after %d attempts (%s)", m.attempt, m.reason)
	default:
		return "Disconnected"
	}
}

// Metrics returns connection metrics.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := Metrics{
		State:                m.state,
		Connected:            m.state == StateConnected,
		ReconnectCount:       m.reconnectCount,
		LastDisconnectReason: m.reason,
	}
	if out.Connected && !m.connectedAt.IsZero() {
		out.Uptime = now.Sub(m.connectedAt)
	}
	if !m.lastHeartbeat.IsZero() {
		age := now.Sub(m.lastHeartbeat)
		out.LastHeartbeatAge = &age
	}
	return out
}

// Positions returns known positions ordered by symbol then contract id.
func (m *Manager) Positions() []models.Position {
	m.mu.RLock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Contract.Symbol != out[j].Contract.Symbol {
			return out[i].Contract.Symbol < out[j].Contract.Symbol
		}
		return out[i].ConID() < out[j].ConID()
	})
	return out
}

// Position returns one position.
func (m *Manager) Position(conID int) (models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[conID]
	return p, ok
}

// EntryPrice returns the per-unit entry price of a position.
func (m *Manager) EntryPrice(conID int) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	px, ok := m.entryPrices[conID]
	return px, ok
}
