package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "trailstop/internal/errors"
	"trailstop/internal/models"
)

// Bridge RPC methods.
const (
	methodConnect         = "connect"
	methodCurrentTime     = "current_time"
	methodPortfolio       = "portfolio"
	methodExecutions      = "executions"
	methodContractDetails = "contract_details"
	methodMarketRule      = "market_rule"
	methodSubscribe       = "subscribe_market_data"
	methodUnsubscribe     = "cancel_market_data"
	methodPlaceOrder      = "place_order"
	methodCancelOrder     = "cancel_order"
	methodOrderStatus     = "order_status"
	methodOpenOrders      = "open_orders"
)

// Bridge events.
const (
	eventTick         = "tick"
	eventOrderStatus  = "order_status"
	eventDisconnected = "disconnected"
	eventError        = "error"
)

type wireRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireMessage struct {
	ID     int64           `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type wireResponse struct {
	result json.RawMessage
	err    error
}

// BridgeConfig holds configuration for the bridge session.
type BridgeConfig struct {
	URL            string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// BridgeSession speaks a JSON request/response and event protocol over a
// websocket to a local terminal bridge process.
type BridgeSession struct {
	url     string
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	pending map[int64]chan wireResponse
	stopCh  chan struct{}

	writeMu   sync.Mutex
	nextID    atomic.Int64
	connected atomic.Bool
	dropped   atomic.Int64

	ticks chan models.Tick
}

var _ Session = (*BridgeSession)(nil)

// NewBridgeSession creates an unconnected bridge session.
func NewBridgeSession(cfg BridgeConfig) *BridgeSession {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &BridgeSession{
		url:     cfg.URL,
		timeout: cfg.RequestTimeout,
		logger:  cfg.Logger.With().Str("component", "bridge").Logger(),
		pending: make(map[int64]chan wireResponse),
		ticks:   make(chan models.Tick, TickBufferSize),
	}
}

// Connect dials the bridge and opens the terminal session.
func (b *BridgeSession) Connect(ctx context.Context, host string, port, clientID int) error {
	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: dial %s: %v", apperrors.ErrConnectionFailed, b.url, err)
	}
	b.conn = conn
	b.stopCh = make(chan struct{})
	stopCh := b.stopCh
	b.mu.Unlock()

	go b.readLoop(conn, stopCh)

	params := map[string]interface{}{"host": host, "port": port, "client_id": clientID}
	if err := b.call(ctx, methodConnect, params, nil); err != nil {
		_ = b.Disconnect()
		return fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err)
	}

	b.connected.Store(true)
	b.logger.Info().Str("url", b.url).Str("host", host).Int("port", port).Int("client_id", clientID).Msg("Bridge session connected")
	return nil
}

// Disconnect closes the websocket and fails all pending requests.
func (b *BridgeSession) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
	b.mu.Unlock()

	b.connected.Store(false)
	b.failPending(apperrors.ErrNotConnected)
	if conn == nil {
		return nil
	}

	b.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.writeMu.Unlock()
	return conn.Close()
}

// IsConnected reports whether the terminal session is up.
func (b *BridgeSession) IsConnected() bool {
	return b.connected.Load()
}

// Ticks returns the bounded tick stream.
func (b *BridgeSession) Ticks() <-chan models.Tick {
	return b.ticks
}

// Dropped returns the number of ticks dropped on a full channel.
func (b *BridgeSession) Dropped() int64 {
	return b.dropped.Load()
}

func (b *BridgeSession) readLoop(conn *websocket.Conn, stopCh chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
			default:
				b.logger.Warn().Err(err).Msg("Bridge read failed")
				b.connected.Store(false)
				b.failPending(apperrors.ErrNotConnected)
			}
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn().Err(err).Msg("Discarding malformed bridge message")
			continue
		}
		if msg.Event != "" {
			b.handleEvent(msg)
			continue
		}
		b.dispatch(msg)
	}
}

func (b *BridgeSession) dispatch(msg wireMessage) {
	b.mu.Lock()
	ch, ok := b.pending[msg.ID]
	delete(b.pending, msg.ID)
	b.mu.Unlock()
	if !ok {
		return
	}

	resp := wireResponse{result: msg.Result}
	if msg.Error != nil {
		resp.err = apperrors.NewBrokerError(msg.Error.Code, msg.Error.Message, nil)
	}
	ch <- resp
}

func (b *BridgeSession) handleEvent(msg wireMessage) {
	switch msg.Event {
	case eventTick:
		var t models.Tick
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return
		}
		select {
		case b.ticks <- t:
		default:
			b.dropped.Add(1)
		}
	case eventDisconnected:
		b.logger.Warn().Msg("Terminal reported session lost")
		b.connected.Store(false)
	case eventError:
		var we wireError
		if err := json.Unmarshal(msg.Data, &we); err == nil {
			b.logger.Warn().Str("code", we.Code).Str("message", we.Message).Msg("Terminal error")
		}
	case eventOrderStatus:
		// Order state is queried on demand; the event is informational.
	}
}

func (b *BridgeSession) failPending(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[int64]chan wireResponse)
	b.mu.Unlock()
	for _, ch := range pending {
		ch <- wireResponse{err: err}
	}
}

// call sends one request and waits for its response or the request timeout.
func (b *BridgeSession) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return apperrors.ErrNotConnected
	}
	id := b.nextID.Add(1)
	ch := make(chan wireResponse, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	data, err := json.Marshal(wireRequest{ID: id, Method: method, Params: params})
	if err != nil {
		b.forget(id)
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	b.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(b.timeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	b.writeMu.Unlock()
	if err != nil {
		b.forget(id)
		return fmt.Errorf("%w: write %s: %v", apperrors.ErrNotConnected, method, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.err != nil {
			return resp.err
		}
		if out != nil && len(resp.result) > 0 {
			if err := json.Unmarshal(resp.result, out); err != nil {
				return apperrors.NewDataError(method, fmt.Sprint(id), "malformed response", err)
			}
		}
		return nil
	case <-timer.C:
		b.forget(id)
		return fmt.Errorf("%s: %w", method, apperrors.ErrRequestTimeout)
	case <-ctx.Done():
		b.forget(id)
		return ctx.Err()
	}
}

func (b *BridgeSession) forget(id int64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// CurrentTime returns the terminal clock.
func (b *BridgeSession) CurrentTime(ctx context.Context) (time.Time, error) {
	var out struct {
		Time int64 `json:"time"`
	}
	if err := b.call(ctx, methodCurrentTime, nil, &out); err != nil {
		return time.Time{}, err
	}
	if out.Time == 0 {
		return time.Time{}, nil
	}
	return time.Unix(out.Time, 0), nil
}

// Portfolio returns the held portfolio.
func (b *BridgeSession) Portfolio(ctx context.Context) ([]models.PortfolioItem, error) {
	var items []models.PortfolioItem
	if err := b.call(ctx, methodPortfolio, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Executions returns fills since the given time.
func (b *BridgeSession) Executions(ctx context.Context, since time.Time) ([]models.Execution, error) {
	var execs []models.Execution
	params := map[string]interface{}{"since": since.UTC().Format("20060102-15:04:05")}
	if err := b.call(ctx, methodExecutions, params, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

// ContractDetails returns contract metadata.
func (b *BridgeSession) ContractDetails(ctx context.Context, conID int) (*models.ContractDetails, error) {
	var details []models.ContractDetails
	if err := b.call(ctx, methodContractDetails, map[string]int{"con_id": conID}, &details); err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, apperrors.NewDataError("contract_details", fmt.Sprint(conID), "empty response", nil)
	}
	return &details[0], nil
}

// MarketRule returns a price increment schedule.
func (b *BridgeSession) MarketRule(ctx context.Context, ruleID int) ([]models.PriceIncrement, error) {
	var rows []models.PriceIncrement
	if err := b.call(ctx, methodMarketRule, map[string]int{"rule_id": ruleID}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SubscribeMarketData starts streaming quotes for a contract.
func (b *BridgeSession) SubscribeMarketData(ctx context.Context, contract models.Contract) error {
	return b.call(ctx, methodSubscribe, contract, nil)
}

// CancelMarketData stops streaming quotes for a contract.
func (b *BridgeSession) CancelMarketData(ctx context.Context, conID int) error {
	return b.call(ctx, methodUnsubscribe, map[string]int{"con_id": conID}, nil)
}

// PlaceOrder places or modifies an order.
func (b *BridgeSession) PlaceOrder(ctx context.Context, contract models.Contract, order *models.Order) (*OrderResult, error) {
	params := struct {
		Contract models.Contract `json:"contract"`
		Order    *models.Order   `json:"order"`
	}{contract, order}

	var result OrderResult
	if err := b.call(ctx, methodPlaceOrder, params, &result); err != nil {
		return nil, err
	}
	if order.OrderID == 0 {
		order.OrderID = result.OrderID
	}
	return &result, nil
}

// CancelOrder cancels an order.
func (b *BridgeSession) CancelOrder(ctx context.Context, orderID int) error {
	return b.call(ctx, methodCancelOrder, map[string]int{"order_id": orderID}, nil)
}

// OrderStatus returns the last known state of an order.
func (b *BridgeSession) OrderStatus(ctx context.Context, orderID int) (*models.OrderState, error) {
	var state models.OrderState
	if err := b.call(ctx, methodOrderStatus, map[string]int{"order_id": orderID}, &state); err != nil {
		return nil, err
	}
	if state.OrderID == 0 {
		return nil, fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	return &state, nil
}

// OpenOrders returns every working order of this client.
func (b *BridgeSession) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var orders []OpenOrder
	if err := b.call(ctx, methodOpenOrders, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}
