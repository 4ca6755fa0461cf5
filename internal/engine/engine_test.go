package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"trailstop/internal/broker"
	apperrors "trailstop/internal/errors"
	"trailstop/internal/groups"
	"trailstop/internal/models"
	"trailstop/internal/orders"
	"trailstop/internal/stream"
	"trailstop/internal/ticks"
)

type directExec struct{ s broker.Session }

func (d directExec) Do(ctx context.Context, fn func(ctx context.Context, s broker.Session) error) error {
	return fn(ctx, d.s)
}

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	positions map[int]models.Position
	entries   map[int]float64
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) setConnected(on bool) {
	f.mu.Lock()
	f.connected = on
	f.mu.Unlock()
}

func (f *fakeConn) Positions() []models.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Position
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out
}

func (f *fakeConn) Position(conID int) (models.Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[conID]
	return p, ok
}

func (f *fakeConn) EntryPrice(conID int) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[conID]
	return v, ok
}

type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[int]models.Quote
}

func (f *fakeQuotes) Quote(conID int) (models.Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[conID]
	return q, ok
}

func (f *fakeQuotes) mark(conID int, v float64) {
	f.mu.Lock()
	f.quotes[conID] = models.Quote{Bid: v - 0.05, Ask: v + 0.05, Mid: v, Mark: v}
	f.mu.Unlock()
}

type fixedHours struct {
	mu   sync.Mutex
	open bool
}

func (h *fixedHours) GroupOpen([]int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

func (h *fixedHours) set(open bool) {
	h.mu.Lock()
	h.open = open
	h.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	triggers []models.StopTriggerEvent
	rejects  []models.OrderEvent
}

func (r *recorder) RecordStopTrigger(_ context.Context, ev models.StopTriggerEvent) error {
	r.mu.Lock()
	r.triggers = append(r.triggers, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) SendStopTrigger(_ context.Context, ev models.StopTriggerEvent) error {
	return r.RecordStopTrigger(context.Background(), ev)
}

func (r *recorder) SendOrderRejected(_ context.Context, ev models.OrderEvent) error {
	r.mu.Lock()
	r.rejects = append(r.rejects, ev)
	r.mu.Unlock()
	return nil
}

var (
	spyCall  = models.Contract{ConID: 1, Symbol: "SPY", SecType: models.SecTypeOption, Strike: 600, Right: models.RightCall, Multiplier: 100}
	spxShort = models.Contract{ConID: 10, Symbol: "SPX", SecType: models.SecTypeOption, Strike: 5800, Right: models.RightPut, Multiplier: 100}
	spxLong  = models.Contract{ConID: 11, Symbol: "SPX", SecType: models.SecTypeOption, Strike: 5750, Right: models.RightPut, Multiplier: 100}
)

type fixture struct {
	engine  *Engine
	paper   *broker.PaperSession
	conn    *fakeConn
	quotes  *fakeQuotes
	hours   *fixedHours
	journal *recorder
	notify  *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	paper := broker.NewPaperSession()
	if err := paper.Connect(context.Background(), "127.0.0.1", 7497, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	resolver := ticks.NewResolver(ticks.Config{Logger: zerolog.Nop()})
	resolver.SetSchedule(1, []models.PriceIncrement{{LowEdge: 0, Increment: 0.01}})
	spx := []models.PriceIncrement{{LowEdge: 0, Increment: 0.05}, {LowEdge: 3, Increment: 0.10}}
	resolver.SetSchedule(10, spx)
	resolver.SetSchedule(11, spx)
	orch := orders.New(directExec{paper}, orders.Config{Resolver: resolver, Logger: zerolog.Nop()})

	gm, err := groups.NewManager(groups.NewStore(filepath.Join(t.TempDir(), "groups.json"), zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	conn := &fakeConn{
		connected: true,
		positions: map[int]models.Position{
			1:  {Contract: spyCall, Quantity: 3, AvgCost: 425},
			10: {Contract: spxShort, Quantity: -2, AvgCost: 4210},
			11: {Contract: spxLong, Quantity: 2, AvgCost: 3340},
		},
		entries: map[int]float64{10: 42.10, 11: 33.40},
	}
	quotes := &fakeQuotes{quotes: map[int]models.Quote{}}
	quotes.mark(1, 5.10)
	quotes.mark(10, 40.00)
	quotes.mark(11, 32.00)

	f := &fixture{paper: paper, conn: conn, quotes: quotes, hours: &fixedHours{open: true}, journal: &recorder{}, notify: &recorder{}}
	if cfg.DefaultTrail.Value == 0 {
		cfg.DefaultTrail = *percent(15)
	}
	cfg.Hours = f.hours
	cfg.Journal = f.journal
	cfg.Notifier = f.notify
	cfg.Logger = zerolog.Nop()
	f.engine = New(conn, quotes, gm, orch, cfg)
	return f
}

func percent(p float64) *models.TrailConfig {
	return &models.TrailConfig{
		Enabled:          true,
		Mode:             models.TrailPercent,
		Value:            p,
		TriggerPriceType: models.TriggerMark,
		StopType:         models.StopMarket,
	}
}

func (f *fixture) restingStop(t *testing.T, id string) models.Order {
	t.Helper()
	g, err := f.engine.groups.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_, order, _, ok := f.paper.Order(g.Orders.TrailingOrderID)
	if !ok {
		t.Fatalf("no resting stop for %s", id)
	}
	return order
}

func TestCreateFixesCreditAndEntry(t *testing.T) {
	f := newFixture(t, Config{})

	g, err := f.engine.Create(CreateRequest{Name: "SPX put credit", Quantities: map[int]int{10: 2, 11: 2}, Trail: percent(20)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !g.IsCredit || g.EntryPrice != -8.7 {
		t.Fatalf("credit spread: is_credit=%v entry=%v", g.IsCredit, g.EntryPrice)
	}
	if g.Quantities[10] != -2 || g.Quantities[11] != 2 {
		t.Fatalf("quantities should take the position sign, got %v", g.Quantities)
	}

	long, err := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if long.IsCredit || long.EntryPrice != 4.25 {
		t.Fatalf("long call: is_credit=%v entry=%v", long.IsCredit, long.EntryPrice)
	}

	if _, err := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 3}}); err == nil {
		t.Fatal("over-allocation should be refused")
	}
}

func TestTrailingSingleLeg(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	g, err := f.engine.Create(CreateRequest{Name: "SPY call", Quantities: map[int]int{1: 3}, Trail: percent(10)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	g, err = f.engine.Activate(ctx, g.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !g.IsActive || g.HighWaterMark != 5.10 || g.StopPrice != 4.59 {
		t.Fatalf("activation state %+v", g)
	}
	stop := f.restingStop(t, g.ID)
	if stop.Action != models.ActionSell || stop.AuxPrice != 4.59 || stop.Quantity != 3 {
		t.Fatalf("resting stop %+v", stop)
	}

	f.quotes.mark(1, 6.00)
	f.engine.Tick(ctx)
	if got := f.restingStop(t, g.ID).AuxPrice; got != 5.40 {
		t.Fatalf("stop after new high = %v, want 5.40", got)
	}

	f.quotes.mark(1, 5.30)
	f.engine.Tick(ctx)
	snap, err := f.engine.Snapshot(g.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.IsActive {
		t.Fatal("group should deactivate on breach")
	}
	if snap.Orders.TrailingOrderID == 0 {
		t.Fatal("a breach keeps the order id of the executing stop")
	}

	f.engine.Wait()
	if len(f.journal.triggers) != 1 || len(f.notify.triggers) != 1 {
		t.Fatalf("expected one journal row and one notification, got %d and %d", len(f.journal.triggers), len(f.notify.triggers))
	}
	ev := f.journal.triggers[0]
	if ev.GroupID != g.ID || ev.Value != 5.30 || ev.StopPrice != 5.40 || ev.HWM != 6.00 {
		t.Fatalf("trigger event %+v", ev)
	}
}

func TestTrailingCreditCombo(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{10: 2, 11: 2}, Trail: percent(20)})
	g, err := f.engine.Activate(ctx, g.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if g.HighWaterMark != -8 || g.StopPrice != 9.6 {
		t.Fatalf("activation hwm=%v stop=%v", g.HighWaterMark, g.StopPrice)
	}
	stop := f.restingStop(t, g.ID)
	if stop.Action != models.ActionSell || stop.AuxPrice != -9.6 || stop.Quantity != 2 {
		t.Fatalf("credit combo stop %+v", stop)
	}

	// the spread decays toward zero
	f.quotes.mark(10, 38.00)
	f.quotes.mark(11, 31.50)
	f.engine.Tick(ctx)
	if got := f.restingStop(t, g.ID).AuxPrice; got != -7.8 {
		t.Fatalf("credit stop after decay = %v, want -7.8", got)
	}

	f.quotes.mark(10, 42.00)
	f.quotes.mark(11, 32.00)
	f.engine.Tick(ctx)
	if s, _ := f.engine.Snapshot(g.ID); s.IsActive {
		t.Fatal("widening past the stop should trigger")
	}
}

func TestRefusedModifyIsRetried(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 3}, Trail: percent(10)})
	g, err := f.engine.Activate(ctx, g.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	orderID := g.Orders.TrailingOrderID

	f.paper.FailNextModify()
	f.quotes.mark(1, 6.00)
	f.engine.Tick(ctx)
	if got := f.restingStop(t, g.ID).AuxPrice; got != 4.59 {
		t.Fatalf("refused modify moved the stop to %v", got)
	}
	f.engine.Tick(ctx)
	if got := f.restingStop(t, g.ID).AuxPrice; got != 5.40 {
		t.Fatalf("stop after retry = %v, want 5.40", got)
	}

	f.paper.SetOrderStatus(orderID, models.StatusPendingSubmit)
	f.quotes.mark(1, 7.00)
	f.engine.Tick(ctx)
	if got := f.restingStop(t, g.ID).AuxPrice; got != 5.40 {
		t.Fatalf("in-flight order was modified to %v", got)
	}
	f.paper.SetOrderStatus(orderID, models.StatusSubmitted)
	f.engine.Tick(ctx)
	if got := f.restingStop(t, g.ID).AuxPrice; got != 6.30 {
		t.Fatalf("stop after order settled = %v, want 6.30", got)
	}
}

func TestActivateRefusesStopLimitWithoutRoom(t *testing.T) {
	f := newFixture(t, Config{})
	trail := percent(10)
	trail.StopType = models.StopLimit
	trail.LimitOffset = 6.00
	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}, Trail: trail})

	_, err := f.engine.Activate(context.Background(), g.ID)
	var verr *apperrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for an offset larger than the stop, got %v", err)
	}
	cur, _ := f.engine.groups.Get(g.ID)
	if cur.IsActive || !cur.Orders.IsZero() {
		t.Fatalf("refused activation left state behind: %+v", cur)
	}
}

func TestConfigureStopTypeWhileTrailing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	trail := percent(10)
	trail.StopType = models.StopLimit
	trail.LimitOffset = 0.10
	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}, Trail: trail})
	if _, err := f.engine.Activate(ctx, g.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if stop := f.restingStop(t, g.ID); stop.Type != models.OrderTypeStopLimit || stop.LimitPrice != 4.49 {
		t.Fatalf("resting stop %+v", stop)
	}

	market := *trail
	market.StopType = models.StopMarket
	if _, err := f.engine.Configure(g.ID, market); !errors.Is(err, apperrors.ErrGroupActive) {
		t.Fatalf("expected ErrGroupActive, got %v", err)
	}

	f.quotes.mark(1, 6.00)
	f.engine.Tick(ctx)
	stop := f.restingStop(t, g.ID)
	if stop.Type != models.OrderTypeStopLimit || stop.AuxPrice != 5.40 || stop.LimitPrice != 5.30 {
		t.Fatalf("resting stop after tick %+v", stop)
	}

	if _, err := f.engine.Deactivate(ctx, g.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := f.engine.Configure(g.ID, market); err != nil {
		t.Fatalf("Configure inactive: %v", err)
	}
	if _, err := f.engine.Activate(ctx, g.ID); err != nil {
		t.Fatalf("re-Activate: %v", err)
	}
	if stop := f.restingStop(t, g.ID); stop.Type != models.OrderTypeStop || stop.LimitPrice != 0 {
		t.Fatalf("re-placed stop %+v", stop)
	}
}

func TestComboTriggerCancelsTimeExit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	trail := percent(20)
	trail.TimeExitEnabled = true
	trail.TimeExitTime = "15:45"

	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{10: 2, 11: 2}, Trail: trail})
	g, err := f.engine.Activate(ctx, g.ID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	exitID, stopID := g.Orders.TimeExitOrderID, g.Orders.TrailingOrderID
	if exitID == 0 || stopID == 0 {
		t.Fatalf("expected stop and time exit, got %+v", g.Orders)
	}

	f.quotes.mark(10, 45.00)
	f.quotes.mark(11, 32.00)
	f.engine.Tick(ctx)

	s, err := f.engine.Snapshot(g.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if s.IsActive || s.Orders.TimeExitOrderID != 0 || s.Orders.TrailingOrderID != stopID {
		t.Fatalf("after trigger active=%v orders=%+v", s.IsActive, s.Orders)
	}
	if _, _, state, _ := f.paper.Order(exitID); state.Status != models.StatusCancelled {
		t.Fatalf("time exit status = %s, want Cancelled", state.Status)
	}
	if _, _, state, _ := f.paper.Order(stopID); state.Status == models.StatusCancelled {
		t.Fatal("the executing stop must stay working")
	}
}

func TestActivateGuards(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}, Trail: percent(10)})

	f.conn.setConnected(false)
	if _, err := f.engine.Activate(ctx, g.ID); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	f.conn.setConnected(true)

	f.quotes.mu.Lock()
	f.quotes.quotes[1] = models.Quote{}
	f.quotes.mu.Unlock()
	if _, err := f.engine.Activate(ctx, g.ID); !errors.Is(err, apperrors.ErrNoQuote) {
		t.Fatalf("expected ErrNoQuote, got %v", err)
	}
	if s, _ := f.engine.Snapshot(g.ID); s.IsActive || !s.Orders.IsZero() {
		t.Fatalf("group should stay inactive without orders, got %+v", s)
	}
}

func TestRejectedActivationStaysInactive(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}, Trail: percent(10)})

	f.paper.RejectNextOrder()
	if _, err := f.engine.Activate(ctx, g.ID); !errors.Is(err, apperrors.ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
	if s, _ := f.engine.Snapshot(g.ID); s.IsActive {
		t.Fatal("rejected group must stay inactive")
	}
	f.engine.Wait()
	if len(f.notify.rejects) != 1 || f.notify.rejects[0].GroupID != g.ID {
		t.Fatalf("expected one rejection notice, got %+v", f.notify.rejects)
	}
}

func TestClosedMarketFreezesHWM(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}, Trail: percent(10)})
	if _, err := f.engine.Activate(ctx, g.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	f.hours.set(false)
	f.quotes.mark(1, 7.00)
	f.engine.Tick(ctx)
	s, _ := f.engine.Snapshot(g.ID)
	if s.HWM != 5.10 || s.MarketOpen {
		t.Fatalf("closed market moved hwm to %v", s.HWM)
	}

	f.hours.set(true)
	f.engine.Tick(ctx)
	if s, _ := f.engine.Snapshot(g.ID); s.HWM != 7.00 {
		t.Fatalf("open market hwm = %v, want 7.00", s.HWM)
	}
}

func TestDisconnectedPausesTrailing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}, Trail: percent(10)})
	if _, err := f.engine.Activate(ctx, g.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	f.conn.setConnected(false)
	f.quotes.mark(1, 1.00)
	f.engine.Tick(ctx)
	if s, _ := f.engine.Snapshot(g.ID); !s.IsActive {
		t.Fatal("stale quotes must not trigger while disconnected")
	}
}

func TestDeleteAndCancelAll(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	active, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 2}, Trail: percent(10)})
	idle, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}, Trail: percent(10)})
	if _, err := f.engine.Activate(ctx, active.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	orderID := f.restingStop(t, active.ID).OrderID

	if err := f.engine.Delete(ctx, active.ID, false); !errors.Is(err, apperrors.ErrGroupActive) {
		t.Fatalf("expected ErrGroupActive, got %v", err)
	}

	report := f.engine.CancelAll(ctx)
	if len(report.Cancelled) != 1 || report.Cancelled[0] != active.ID {
		t.Fatalf("cancelled = %v", report.Cancelled)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != idle.ID || len(report.Failed) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, _, state, _ := f.paper.Order(orderID); state.Status != models.StatusCancelled {
		t.Fatalf("resting stop status = %s", state.Status)
	}

	if _, err := f.engine.Activate(ctx, active.ID); err != nil {
		t.Fatalf("re-Activate: %v", err)
	}
	if err := f.engine.Delete(ctx, active.ID, true); err != nil {
		t.Fatalf("Delete with cancel: %v", err)
	}
	if _, err := f.engine.Snapshot(active.ID); !errors.Is(err, apperrors.ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
	if len(f.engine.Snapshots()) != 1 {
		t.Fatal("idle group should remain")
	}
}

func TestPositionsReportAvailability(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 2}, Trail: percent(10)}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, p := range f.engine.Positions() {
		if p.Position.ConID() != 1 {
			continue
		}
		if p.Allocated != 2 || p.Available != 1 {
			t.Fatalf("SPY allocated=%d available=%v", p.Allocated, p.Available)
		}
		return
	}
	t.Fatal("SPY position missing")
}

func TestHistoryIsCapped(t *testing.T) {
	f := newFixture(t, Config{HistorySize: 3})
	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}, Trail: percent(10)})

	for i := 0; i < 5; i++ {
		f.quotes.mark(1, 5.00+float64(i))
		f.engine.Tick(context.Background())
	}
	h := f.engine.History(g.ID)
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[0].Mark != 7.00 || h[2].Mark != 9.00 {
		t.Fatalf("history should keep the newest samples, got %+v", h)
	}
}

func TestTickPublishesSnapshots(t *testing.T) {
	hub := stream.NewHub[GroupSnapshot]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Start(ctx)
	defer hub.Stop()

	f := newFixture(t, Config{Hub: hub})
	g, _ := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}, Trail: percent(10)})

	ch := hub.Subscribe(g.ID)
	defer hub.Unsubscribe(g.ID, ch)
	f.engine.Tick(ctx)

	select {
	case s := <-ch:
		if s.ID != g.ID || s.Metrics.Mark != 5.10 {
			t.Fatalf("unexpected snapshot %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
}

// Property: while a debit group trails, the resting stop at the terminal
// matches the group's stop and the HWM never falls.
func TestProperty_RestingStopFollowsGroup(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("resting stop tracks trailing stop", prop.ForAll(
		func(cents []int) bool {
			f := newFixture(t, Config{})
			ctx := context.Background()
			g, err := f.engine.Create(CreateRequest{Quantities: map[int]int{1: 1}, Trail: percent(10)})
			if err != nil {
				return false
			}
			if _, err := f.engine.Activate(ctx, g.ID); err != nil {
				return false
			}

			hwm := 5.10
			for _, c := range cents {
				f.quotes.mark(1, float64(c)/100)
				f.engine.Tick(ctx)

				cur, err := f.engine.groups.Get(g.ID)
				if err != nil || cur.HighWaterMark < hwm {
					return false
				}
				hwm = cur.HighWaterMark
				if !cur.IsActive {
					return true
				}
				_, order, _, _ := f.paper.Order(cur.Orders.TrailingOrderID)
				if order.AuxPrice != cur.StopPrice {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(100, 1500)),
	))

	properties.TestingRun(t)
}
