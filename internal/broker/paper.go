package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	apperrors "trailstop/internal/errors"
	"trailstop/internal/models"
)

type paperOrder struct {
	contract models.Contract
	order    models.Order
	state    models.OrderState
}

// PaperSession is an in-memory terminal used for paper mode and tests.
// Failures can be injected to exercise reconnects and order rejection.
type PaperSession struct {
	mu sync.RWMutex

	connected  bool
	portfolio  map[int]models.PortfolioItem
	quotes     map[int]models.Quote
	details    map[int]models.ContractDetails
	rules      map[int][]models.PriceIncrement
	subscribed map[int]bool
	orders     map[int]*paperOrder
	executions []models.Execution

	orderCounter int
	connects     int

	// Failure injection
	failConnects   int
	failHeartbeats int
	zeroTime       bool
	rejectNext     bool
	failNextModify bool

	ticks chan models.Tick
	now   func() time.Time
}

var _ Session = (*PaperSession)(nil)

// NewPaperSession creates an empty paper session.
func NewPaperSession() *PaperSession {
	return &PaperSession{
		portfolio:    make(map[int]models.PortfolioItem),
		quotes:       make(map[int]models.Quote),
		details:      make(map[int]models.ContractDetails),
		rules:        make(map[int][]models.PriceIncrement),
		subscribed:   make(map[int]bool),
		orders:       make(map[int]*paperOrder),
		orderCounter: 1000,
		ticks:        make(chan models.Tick, TickBufferSize),
		now:          time.Now,
	}
}

// --- Setup ---

// SetPosition adds or replaces a held position.
func (p *PaperSession) SetPosition(contract models.Contract, qty, avgCost float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty == 0 {
		delete(p.portfolio, contract.ConID)
		return
	}
	p.portfolio[contract.ConID] = models.PortfolioItem{
		Contract:    contract,
		Position:    qty,
		AverageCost: avgCost,
		Account:     "DU0000000",
	}
}

// SetDetails stores contract details and an optional market rule.
func (p *PaperSession) SetDetails(details models.ContractDetails) {
	p.mu.Lock()
	p.details[details.Contract.ConID] = details
	p.mu.Unlock()
}

// SetMarketRule stores a price increment schedule.
func (p *PaperSession) SetMarketRule(ruleID int, rows []models.PriceIncrement) {
	p.mu.Lock()
	p.rules[ruleID] = rows
	p.mu.Unlock()
}

// AddExecution records a historical fill.
func (p *PaperSession) AddExecution(exec models.Execution) {
	p.mu.Lock()
	p.executions = append(p.executions, exec)
	p.mu.Unlock()
}

// SetQuote updates a quote and streams it when subscribed.
func (p *PaperSession) SetQuote(conID int, q models.Quote) {
	p.mu.Lock()
	p.quotes[conID] = q
	emit := p.connected && p.subscribed[conID]
	p.fillStopsLocked(conID, q)
	p.mu.Unlock()

	if emit {
		p.emit(models.Tick{
			ConID: conID, Bid: q.Bid, Ask: q.Ask, Last: q.Last, Mark: q.Mark,
			Delta: q.Delta, Gamma: q.Gamma, Theta: q.Theta, Vega: q.Vega,
			Timestamp: p.now(),
		})
	}
}

func (p *PaperSession) emit(t models.Tick) {
	select {
	case p.ticks <- t:
	default:
	}
}

// --- Failure injection ---

// FailConnects makes the next n Connect calls fail.
func (p *PaperSession) FailConnects(n int) {
	p.mu.Lock()
	p.failConnects = n
	p.mu.Unlock()
}

// FailHeartbeats makes the next n CurrentTime calls fail.
func (p *PaperSession) FailHeartbeats(n int) {
	p.mu.Lock()
	p.failHeartbeats = n
	p.mu.Unlock()
}

// ZeroTime makes CurrentTime return the zero time.
func (p *PaperSession) ZeroTime(on bool) {
	p.mu.Lock()
	p.zeroTime = on
	p.mu.Unlock()
}

// DropConnection simulates the terminal closing the session.
func (p *PaperSession) DropConnection() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}

// RejectNextOrder makes the next new order come back Cancelled.
func (p *PaperSession) RejectNextOrder() {
	p.mu.Lock()
	p.rejectNext = true
	p.mu.Unlock()
}

// FailNextModify makes the next modification return an error.
func (p *PaperSession) FailNextModify() {
	p.mu.Lock()
	p.failNextModify = true
	p.mu.Unlock()
}

// SetOrderStatus forces an order into a status.
func (p *PaperSession) SetOrderStatus(orderID int, status models.OrderStatus) {
	p.mu.Lock()
	if o, ok := p.orders[orderID]; ok {
		o.state.Status = status
		o.state.UpdatedAt = p.now()
	}
	p.mu.Unlock()
}

// Order returns a placed order and its state.
func (p *PaperSession) Order(orderID int) (models.Contract, models.Order, models.OrderState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.orders[orderID]
	if !ok {
		return models.Contract{}, models.Order{}, models.OrderState{}, false
	}
	return o.contract, o.order, o.state, true
}

// ConnectCount returns the number of successful connects.
func (p *PaperSession) ConnectCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connects
}

// --- Session ---

// Connect opens the simulated session.
func (p *PaperSession) Connect(ctx context.Context, host string, port, clientID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failConnects > 0 {
		p.failConnects--
		return fmt.Errorf("%w: paper terminal refused %s:%d", apperrors.ErrConnectionFailed, host, port)
	}
	p.connected = true
	p.connects++
	p.subscribed = make(map[int]bool)
	return nil
}

// Disconnect closes the simulated session.
func (p *PaperSession) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.subscribed = make(map[int]bool)
	p.mu.Unlock()
	return nil
}

// IsConnected reports whether the session is up.
func (p *PaperSession) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *PaperSession) checkConnected() error {
	if !p.connected {
		return apperrors.ErrNotConnected
	}
	return nil
}

// CurrentTime returns the local clock.
func (p *PaperSession) CurrentTime(ctx context.Context) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return time.Time{}, err
	}
	if p.failHeartbeats > 0 {
		p.failHeartbeats--
		return time.Time{}, fmt.Errorf("current_time: %w", apperrors.ErrRequestTimeout)
	}
	if p.zeroTime {
		return time.Time{}, nil
	}
	return p.now(), nil
}

// Portfolio returns the held positions ordered by contract id.
func (p *PaperSession) Portfolio(ctx context.Context) ([]models.PortfolioItem, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	items := make([]models.PortfolioItem, 0, len(p.portfolio))
	for _, item := range p.portfolio {
		if q, ok := p.quotes[item.Contract.ConID]; ok {
			item.MarketPrice = q.Mark
			item.MarketValue = q.Mark * item.Position * float64(item.Contract.EffectiveMultiplier())
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Contract.ConID < items[j].Contract.ConID })
	return items, nil
}

// Executions returns fills at or after since.
func (p *PaperSession) Executions(ctx context.Context, since time.Time) ([]models.Execution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	var out []models.Execution
	for _, e := range p.executions {
		if !e.Time.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ContractDetails returns stored details.
func (p *PaperSession) ContractDetails(ctx context.Context, conID int) (*models.ContractDetails, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	d, ok := p.details[conID]
	if !ok {
		return nil, apperrors.NewBrokerError("200", fmt.Sprintf("no security definition for conId %d", conID), nil)
	}
	return &d, nil
}

// MarketRule returns a stored schedule.
func (p *PaperSession) MarketRule(ctx context.Context, ruleID int) ([]models.PriceIncrement, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	rows, ok := p.rules[ruleID]
	if !ok {
		return nil, apperrors.NewBrokerError("321", fmt.Sprintf("unknown market rule %d", ruleID), nil)
	}
	return append([]models.PriceIncrement(nil), rows...), nil
}

// SubscribeMarketData starts streaming and pushes the current quote.
func (p *PaperSession) SubscribeMarketData(ctx context.Context, contract models.Contract) error {
	p.mu.Lock()
	if err := p.checkConnected(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.subscribed[contract.ConID] = true
	q, ok := p.quotes[contract.ConID]
	p.mu.Unlock()

	if ok {
		p.emit(models.Tick{
			ConID: contract.ConID, Bid: q.Bid, Ask: q.Ask, Last: q.Last, Mark: q.Mark,
			Delta: q.Delta, Gamma: q.Gamma, Theta: q.Theta, Vega: q.Vega,
			Timestamp: p.now(),
		})
	}
	return nil
}

// CancelMarketData stops streaming.
func (p *PaperSession) CancelMarketData(ctx context.Context, conID int) error {
	p.mu.Lock()
	delete(p.subscribed, conID)
	p.mu.Unlock()
	return nil
}

// Ticks returns the tick stream.
func (p *PaperSession) Ticks() <-chan models.Tick {
	return p.ticks
}

// PlaceOrder places a new order or modifies an existing one.
func (p *PaperSession) PlaceOrder(ctx context.Context, contract models.Contract, order *models.Order) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}

	if existing, ok := p.orders[order.OrderID]; ok && order.OrderID != 0 {
		if p.failNextModify {
			p.failNextModify = false
			return nil, apperrors.NewBrokerError("103", "duplicate order id", nil)
		}
		if !existing.state.Status.IsModifiable() {
			return nil, apperrors.NewBrokerError("104", fmt.Sprintf("cannot modify a %s order", existing.state.Status), nil)
		}
		existing.order = *order
		existing.state.UpdatedAt = p.now()
		return &OrderResult{OrderID: order.OrderID, Status: existing.state.Status}, nil
	}

	if order.OrderID == 0 {
		p.orderCounter++
		order.OrderID = p.orderCounter
	}

	status := models.StatusSubmitted
	if order.GoodAfterTime != "" {
		status = models.StatusPreSubmitted
	}
	msg := ""
	if p.rejectNext {
		p.rejectNext = false
		status = models.StatusCancelled
		msg = "order rejected by paper terminal"
	}

	p.orders[order.OrderID] = &paperOrder{
		contract: contract,
		order:    *order,
		state: models.OrderState{
			OrderID:   order.OrderID,
			Status:    status,
			Remaining: order.Quantity,
			UpdatedAt: p.now(),
		},
	}
	return &OrderResult{OrderID: order.OrderID, Status: status, Message: msg}, nil
}

// CancelOrder cancels an order and its OCA siblings.
func (p *PaperSession) CancelOrder(ctx context.Context, orderID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	if o.state.Status == models.StatusFilled {
		return apperrors.NewBrokerError("161", fmt.Sprintf("order %d already filled", orderID), nil)
	}
	o.state.Status = models.StatusCancelled
	o.state.UpdatedAt = p.now()
	return nil
}

// OrderStatus returns an order's state.
func (p *PaperSession) OrderStatus(ctx context.Context, orderID int) (*models.OrderState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	state := o.state
	return &state, nil
}

// OpenOrders returns working orders.
func (p *PaperSession) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	var out []OpenOrder
	for _, o := range p.orders {
		switch o.state.Status {
		case models.StatusSubmitted, models.StatusPreSubmitted:
			out = append(out, OpenOrder{Contract: o.contract, Order: o.order, State: o.state})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order.OrderID < out[j].Order.OrderID })
	return out, nil
}

// fillStopsLocked fills single-leg stops whose trigger was crossed.
func (p *PaperSession) fillStopsLocked(conID int, q models.Quote) {
	for _, o := range p.orders {
		if o.contract.ConID != conID || o.contract.IsCombo() || o.state.Status != models.StatusSubmitted {
			continue
		}
		if o.order.Type != models.OrderTypeStop && o.order.Type != models.OrderTypeStopLimit {
			continue
		}
		var hit bool
		var px float64
		switch o.order.Action {
		case models.ActionSell:
			hit, px = q.Bid > 0 && q.Bid <= o.order.AuxPrice, q.Bid
		case models.ActionBuy:
			hit, px = q.Ask > 0 && q.Ask >= o.order.AuxPrice, q.Ask
		}
		if !hit {
			continue
		}
		o.state.Status = models.StatusFilled
		o.state.Filled = o.order.Quantity
		o.state.Remaining = 0
		o.state.UpdatedAt = p.now()
		side := models.SideSold
		if o.order.Action == models.ActionBuy {
			side = models.SideBought
		}
		p.executions = append(p.executions, models.Execution{
			ExecID:  fmt.Sprintf("paper.%d", o.order.OrderID),
			ConID:   conID,
			OrderID: o.order.OrderID,
			Side:    side,
			Shares:  o.order.Quantity,
			Price:   px,
			Time:    p.now(),
		})
		p.cancelOCALocked(o.order.OCAGroup, o.order.OrderID)
	}
}

func (p *PaperSession) cancelOCALocked(oca string, except int) {
	if oca == "" {
		return
	}
	for id, o := range p.orders {
		if id != except && o.order.OCAGroup == oca && o.state.Status.IsModifiable() {
			o.state.Status = models.StatusCancelled
		}
	}
}

// Simulate random-walks every quote until ctx is done.
func (p *PaperSession) Simulate(ctx context.Context, interval time.Duration, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.RLock()
		ids := make([]int, 0, len(p.quotes))
		for id := range p.quotes {
			ids = append(ids, id)
		}
		p.mu.RUnlock()
		sort.Ints(ids)

		for _, id := range ids {
			p.mu.RLock()
			q := p.quotes[id]
			p.mu.RUnlock()
			p.SetQuote(id, walk(q, rng))
		}
	}
}

func walk(q models.Quote, rng *rand.Rand) models.Quote {
	mark := q.Mark
	if mark <= 0 {
		mark = (q.Bid + q.Ask) / 2
	}
	if mark <= 0 {
		return q
	}
	mark = math.Max(0.05, mark*(1+rng.NormFloat64()*0.004))
	half := math.Max(0.01, mark*0.01)
	round := func(v float64) float64 { return math.Round(v*100) / 100 }
	q.Mark = round(mark)
	q.Bid = round(mark - half)
	q.Ask = round(mark + half)
	q.Mid = round(mark)
	q.Last = q.Mark
	return q
}

// NewDemoPaperSession returns a paper session holding an SPX put vertical
// and a SPY long call with quotes and increment rules.
func NewDemoPaperSession() *PaperSession {
	p := NewPaperSession()

	spxRule := []models.PriceIncrement{{LowEdge: 0, Increment: 0.05}, {LowEdge: 3, Increment: 0.10}}
	pennyRule := []models.PriceIncrement{{LowEdge: 0, Increment: 0.01}, {LowEdge: 3, Increment: 0.05}}
	p.SetMarketRule(110, spxRule)
	p.SetMarketRule(239, pennyRule)

	hours := demoHours(time.Now())

	legs := []struct {
		contract models.Contract
		qty      float64
		fill     float64
		quote    models.Quote
		rule     int
	}{
		{
			contract: models.Contract{ConID: 700001, Symbol: "SPX", SecType: models.SecTypeOption, Expiry: "20261218", Strike: 5800, Right: models.RightPut, Multiplier: 100, Exchange: "CBOE", Currency: "USD"},
			qty:      -2,
			fill:     42.10,
			quote:    models.Quote{Bid: 39.80, Ask: 40.20, Mark: 40.00, Delta: -0.32, Gamma: 0.0011, Theta: -1.9, Vega: 7.1},
			rule:     110,
		},
		{
			contract: models.Contract{ConID: 700002, Symbol: "SPX", SecType: models.SecTypeOption, Expiry: "20261218", Strike: 5750, Right: models.RightPut, Multiplier: 100, Exchange: "CBOE", Currency: "USD"},
			qty:      2,
			fill:     33.40,
			quote:    models.Quote{Bid: 31.10, Ask: 31.50, Mark: 31.30, Delta: -0.26, Gamma: 0.0010, Theta: -1.7, Vega: 6.6},
			rule:     110,
		},
		{
			contract: models.Contract{ConID: 700003, Symbol: "SPY", SecType: models.SecTypeOption, Expiry: "20261218", Strike: 600, Right: models.RightCall, Multiplier: 100, Exchange: "SMART", Currency: "USD"},
			qty:      3,
			fill:     4.25,
			quote:    models.Quote{Bid: 5.05, Ask: 5.15, Mark: 5.10, Delta: 0.48, Gamma: 0.021, Theta: -0.12, Vega: 0.35},
			rule:     239,
		},
	}

	for _, l := range legs {
		p.SetPosition(l.contract, l.qty, l.fill*float64(l.contract.Multiplier))
		p.SetDetails(models.ContractDetails{
			Contract:      l.contract,
			MinTick:       0.01,
			MarketRuleIDs: []int{l.rule},
			ValidExchange: l.contract.Exchange,
			TradingHours:  hours,
			LiquidHours:   hours,
			TimeZoneID:    "US/Eastern",
		})
		p.SetQuote(l.contract.ConID, l.quote)
		side := models.SideBought
		if l.qty < 0 {
			side = models.SideSold
		}
		p.AddExecution(models.Execution{
			ExecID: fmt.Sprintf("demo.%d", l.contract.ConID),
			ConID:  l.contract.ConID,
			Side:   side,
			Shares: math.Abs(l.qty),
			Price:  l.fill,
			Time:   time.Now().Add(-24 * time.Hour),
		})
	}
	return p
}

// demoHours keeps the demo market open around the clock for today and
// tomorrow.
func demoHours(now time.Time) string {
	loc, err := time.LoadLocation("US/Eastern")
	if err != nil {
		loc = time.UTC
	}
	today := now.In(loc)
	tomorrow := today.AddDate(0, 0, 1)
	return fmt.Sprintf("%s:0000-%s:0000;%s:0000-%s:0000",
		today.Format("20060102"), tomorrow.Format("20060102"),
		tomorrow.Format("20060102"), tomorrow.AddDate(0, 0, 1).Format("20060102"))
}
