package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trailstop/internal/broker"
	apperrors "trailstop/internal/errors"
	"trailstop/internal/marketdata"
	"trailstop/internal/models"
	"trailstop/internal/ticks"
)

func testConfig() Config {
	return Config{
		Host:                  "127.0.0.1",
		Port:                  7497,
		ClientID:              1,
		HeartbeatInterval:     20 * time.Millisecond,
		PortfolioInterval:     20 * time.Millisecond,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectFactor:       2,
		ReconnectMaxDelay:     50 * time.Millisecond,
		Logger:                zerolog.Nop(),
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *broker.PaperSession, *marketdata.Cache, *ticks.Resolver) {
	t.Helper()
	paper := broker.NewDemoPaperSession()
	cache := marketdata.NewCache()
	resolver := ticks.NewResolver(ticks.Config{Logger: zerolog.Nop()})
	m := New(paper, cache, resolver, cfg)
	t.Cleanup(m.Close)
	return m, paper, cache, resolver
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_ConnectLoadsPortfolio(t *testing.T) {
	m, _, _, resolver := newTestManager(t, testConfig())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !m.IsConnected() {
		t.Fatalf("IsConnected() = false after Connect")
	}
	if got := m.Status(); got != "Connected to 127.0.0.1:7497" {
		t.Fatalf("Status() = %q", got)
	}

	positions := m.Positions()
	if len(positions) != 3 {
		t.Fatalf("Positions() = %d, want 3", len(positions))
	}
	if positions[0].Contract.Symbol != "SPX" || positions[2].Contract.Symbol != "SPY" {
		t.Fatalf("positions not ordered by symbol: %+v", positions)
	}
	p, ok := m.Position(700001)
	if !ok || p.Quantity != -2 {
		t.Fatalf("Position(700001) = %+v, %v", p, ok)
	}
	if p.TimeZoneID != "US/Eastern" || p.TradingHours == "" {
		t.Fatalf("trading hours not attached: %+v", p)
	}

	entry, ok := m.EntryPrice(700001)
	if !ok || entry != 42.10 {
		t.Fatalf("EntryPrice(700001) = %v, %v, want 42.10", entry, ok)
	}

	for _, id := range []int{700001, 700002, 700003} {
		if !resolver.Loaded(id) {
			t.Fatalf("schedule for %d not preloaded", id)
		}
	}

	metrics := m.Metrics()
	if !metrics.Connected || metrics.State != StateConnected {
		t.Fatalf("Metrics() = %+v", metrics)
	}
	if metrics.LastHeartbeatAge == nil {
		t.Fatalf("LastHeartbeatAge nil after connect")
	}
}

func TestManager_TicksFeedCache(t *testing.T) {
	m, paper, cache, _ := newTestManager(t, testConfig())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "initial quote", func() bool {
		q, ok := cache.Quote(700003)
		return ok && q.Bid == 5.05
	})

	paper.SetQuote(700003, models.Quote{Bid: 5.40, Ask: 5.50, Mark: 5.45})
	waitFor(t, "updated quote", func() bool {
		q, ok := cache.Quote(700003)
		return ok && q.Bid == 5.40
	})
}

func TestManager_ReconnectsAfterFailedConnects(t *testing.T) {
	m, paper, _, _ := newTestManager(t, testConfig())
	paper.FailConnects(2)

	err := m.Connect(context.Background())
	if !errors.Is(err, apperrors.ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}

	waitFor(t, "reconnect", m.IsConnected)
	if got := m.Metrics().ReconnectCount; got != 2 {
		t.Fatalf("ReconnectCount = %d, want 2", got)
	}
	if got := paper.ConnectCount(); got != 1 {
		t.Fatalf("ConnectCount = %d, want 1", got)
	}
}

func TestManager_MaxAttemptsFails(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectMaxAttempts = 2
	m, paper, _, _ := newTestManager(t, cfg)
	paper.FailConnects(10)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatalf("Connect() succeeded with failing terminal")
	}
	waitFor(t, "Failed state", func() bool { return m.State() == StateFailed })

	if got := m.Status(); !strings.HasPrefix(got, "Reconnection failed after 2 attempts") {
		t.Fatalf("Status() = %q", got)
	}

	paper.FailConnects(0)
	if err := m.RequestReconnect(context.Background()); err != nil {
		t.Fatalf("RequestReconnect() error = %v", err)
	}
	if !m.IsConnected() {
		t.Fatalf("not connected after RequestReconnect from Failed")
	}
}

func TestManager_HeartbeatTimeoutKeepsPositions(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInitialDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour
	m, paper, _, _ := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	paper.FailHeartbeats(1)

	waitFor(t, "Reconnecting", func() bool { return m.State() == StateReconnecting })

	status := m.Status()
	if !strings.HasPrefix(status, "Reconnecting in") || !strings.HasSuffix(status, "(#1) (Heartbeat timeout)") {
		t.Fatalf("Status() = %q", status)
	}
	if got := len(m.Positions()); got != 3 {
		t.Fatalf("positions dropped during outage: %d", got)
	}
	if paper.IsConnected() {
		t.Fatalf("session still open after heartbeat timeout")
	}
	if err := m.Do(context.Background(), func(context.Context, broker.Session) error { return nil }); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("Do() during outage = %v, want ErrNotConnected", err)
	}

	// A manual reconnect skips the hour-long wait.
	if err := m.RequestReconnect(context.Background()); err != nil {
		t.Fatalf("RequestReconnect() error = %v", err)
	}
	if !m.IsConnected() {
		t.Fatalf("not connected after RequestReconnect")
	}
}

func TestManager_ZeroTimeIsHeartbeatTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInitialDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour
	m, paper, _, _ := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	paper.ZeroTime(true)

	waitFor(t, "Reconnecting", func() bool { return m.State() == StateReconnecting })
	if got := m.Metrics().LastDisconnectReason; got != ReasonHeartbeatTimeout {
		t.Fatalf("LastDisconnectReason = %q", got)
	}
}

func TestManager_DroppedSession(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInitialDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour
	m, paper, _, _ := newTestManager(t, cfg)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	paper.DropConnection()

	waitFor(t, "Reconnecting", func() bool { return m.State() == StateReconnecting })
	if got := m.Metrics().LastDisconnectReason; got != ReasonSessionDown {
		t.Fatalf("LastDisconnectReason = %q", got)
	}
}

func TestManager_DisconnectClearsState(t *testing.T) {
	m, paper, cache, _ := newTestManager(t, testConfig())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if m.State() != StateDisconnected || m.Status() != "Disconnected" {
		t.Fatalf("state after Disconnect = %s %q", m.State(), m.Status())
	}
	if got := len(m.Positions()); got != 0 {
		t.Fatalf("Positions() = %d after Disconnect", got)
	}
	if got := len(cache.ConIDs()); got != 0 {
		t.Fatalf("cache still holds %d contracts", got)
	}
	if got := m.Metrics().LastDisconnectReason; got != ReasonUserDisconnect {
		t.Fatalf("LastDisconnectReason = %q", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := paper.ConnectCount(); got != 1 {
		t.Fatalf("reconnected after user disconnect: ConnectCount = %d", got)
	}
}

func TestManager_DisconnectAbortsBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInitialDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour
	m, paper, _, _ := newTestManager(t, cfg)
	paper.FailConnects(1)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatalf("Connect() succeeded with failing terminal")
	}
	if m.State() != StateReconnecting {
		t.Fatalf("State() = %s, want Reconnecting", m.State())
	}

	done := make(chan error, 1)
	go func() { done <- m.Disconnect() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Disconnect() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Disconnect blocked behind backoff")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("State() = %s, want Disconnected", m.State())
	}
}

func TestManager_Do(t *testing.T) {
	m, _, _, _ := newTestManager(t, testConfig())

	called := false
	fn := func(ctx context.Context, s broker.Session) error {
		called = true
		_, err := s.CurrentTime(ctx)
		return err
	}
	if err := m.Do(context.Background(), fn); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("Do() before connect = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Do(context.Background(), fn); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !called {
		t.Fatalf("Do() did not run fn")
	}
}

func TestManager_StateEvents(t *testing.T) {
	m, _, _, _ := newTestManager(t, testConfig())

	var mu sync.Mutex
	var states []string
	m.OnStateChange(func(ev models.ConnectionEvent) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "Connected event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2 && states[len(states)-1] == string(StateConnected)
	})

	mu.Lock()
	defer mu.Unlock()
	if states[0] != string(StateConnecting) {
		t.Fatalf("first event = %s, want Connecting", states[0])
	}
}

func TestManager_PortfolioRefresh(t *testing.T) {
	m, paper, cache, resolver := newTestManager(t, testConfig())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	qqq := models.Contract{ConID: 700004, Symbol: "QQQ", SecType: models.SecTypeOption, Strike: 520, Right: models.RightCall, Multiplier: 100, Exchange: "SMART", Currency: "USD"}
	paper.SetDetails(models.ContractDetails{Contract: qqq, MinTick: 0.01, MarketRuleIDs: []int{239}, TimeZoneID: "US/Eastern"})
	paper.SetPosition(qqq, 1, 250)

	waitFor(t, "new position", func() bool {
		_, ok := m.Position(700004)
		return ok
	})
	if !resolver.Loaded(700004) || !cache.Subscribed(700004) {
		t.Fatalf("new contract not preloaded and subscribed")
	}
	if px, ok := m.EntryPrice(700004); !ok || px != 2.5 {
		t.Fatalf("EntryPrice(700004) = %v, %v, want 2.5 from average cost", px, ok)
	}

	paper.SetPosition(qqq, 0, 0)
	waitFor(t, "closed position", func() bool {
		_, ok := m.Position(700004)
		return !ok
	})
	if cache.Subscribed(700004) {
		t.Fatalf("closed contract still subscribed")
	}
}
