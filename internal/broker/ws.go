package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/pkg/types"
)

// Reconnect backoff schedule.
const (
	backoffInitial  = time.Second
	backoffFactor   = 2
	backoffCap      = 30 * time.Second
	maxConnAttempts = 10
)

// WSConfig configures the websocket broker session.
type WSConfig struct {
	Host     string
	Port     int
	ClientID string
	Mode     string // paper | live
}

// WSBroker talks JSON over a websocket to the brokerage gateway. It owns the
// only session; requests are correlated by id, fills and status transitions
// arrive as push messages.
type WSBroker struct {
	cfg    WSConfig
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan envelope
	closed  bool

	events chan Event
}

// envelope is the wire frame in both directions.
type envelope struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewWSBroker creates a disconnected adapter.
func NewWSBroker(cfg WSConfig, logger *zap.Logger) *WSBroker {
	return &WSBroker{
		cfg:     cfg,
		logger:  logger.Named("broker-ws"),
		pending: make(map[string]chan envelope),
		events:  make(chan Event, 256),
	}
}

var _ Broker = (*WSBroker)(nil)

// Connect dials the gateway with bounded exponential backoff and starts the
// reader. It emits a ConnectedEvent on success.
func (w *WSBroker) Connect(ctx context.Context) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", w.cfg.Host, w.cfg.Port),
		Path:     "/session",
		RawQuery: url.Values{"client_id": {w.cfg.ClientID}, "mode": {w.cfg.Mode}}.Encode(),
	}

	backoff := backoffInitial
	var lastErr error
	for attempt := 1; attempt <= maxConnAttempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			w.mu.Lock()
			w.conn = conn
			w.closed = false
			w.mu.Unlock()
			go w.readLoop(conn)
			w.emit(ConnectedEvent{At: time.Now().UTC()})
			w.logger.Info("broker session established",
				zap.String("host", w.cfg.Host),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		lastErr = err
		w.logger.Warn("broker dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= backoffFactor
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return fmt.Errorf("broker connect: %d attempts exhausted: %w", maxConnAttempts, lastErr)
}

// Disconnect closes the session.
func (w *WSBroker) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

// Events returns the push stream.
func (w *WSBroker) Events() <-chan Event { return w.events }

func (w *WSBroker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Error("broker event channel full, dropping event")
	}
}

// readLoop demultiplexes inbound frames: correlated responses to their
// waiters, push messages to the event stream.
func (w *WSBroker) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			intentional := w.closed
			if w.conn == conn {
				w.conn = nil
			}
			w.mu.Unlock()
			if !intentional {
				w.logger.Error("broker session dropped", zap.Error(err))
				w.emit(DisconnectedEvent{At: time.Now().UTC(), Err: ErrConnectionLost})
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			w.logger.Warn("unparseable broker frame", zap.Error(err))
			continue
		}

		if env.ID != "" {
			w.mu.Lock()
			ch, ok := w.pending[env.ID]
			delete(w.pending, env.ID)
			w.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		w.handlePush(env)
	}
}

type fillMsg struct {
	BrokerOrderID string          `json:"broker_order_id"`
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	At            time.Time       `json:"at"`
}

type statusMsg struct {
	BrokerOrderID string    `json:"broker_order_id"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

func (w *WSBroker) handlePush(env envelope) {
	switch env.Op {
	case "fill":
		var m fillMsg
		if err := json.Unmarshal(env.Data, &m); err != nil {
			w.logger.Warn("bad fill frame", zap.Error(err))
			return
		}
		w.emit(FillEvent{
			BrokerOrderID: m.BrokerOrderID,
			Symbol:        m.Symbol,
			Quantity:      m.Quantity,
			Price:         m.Price,
			At:            m.At,
		})
	case "order_status":
		var m statusMsg
		if err := json.Unmarshal(env.Data, &m); err != nil {
			w.logger.Warn("bad status frame", zap.Error(err))
			return
		}
		w.emit(OrderStatusEvent{
			BrokerOrderID: m.BrokerOrderID,
			Status:        types.OrderStatus(m.Status),
			Reason:        m.Reason,
			At:            m.At,
		})
	default:
		w.logger.Debug("ignoring broker push", zap.String("op", env.Op))
	}
}

// request sends one correlated frame and waits for its response or the
// context deadline.
func (w *WSBroker) request(ctx context.Context, op string, payload any) (envelope, error) {
	id := uuid.New().String()
	data, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, err
	}
	frame := envelope{Op: op, ID: id, Data: data}

	ch := make(chan envelope, 1)
	w.mu.Lock()
	if w.conn == nil {
		w.mu.Unlock()
		return envelope{}, ErrNotConnected
	}
	w.pending[id] = ch
	err = w.conn.WriteJSON(frame)
	w.mu.Unlock()
	if err != nil {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return envelope{}, fmt.Errorf("broker write: %w", err)
	}

	select {
	case resp := <-ch:
		if !resp.OK && resp.Error != "" {
			return resp, mapWireError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return envelope{}, ErrTimeout
	}
}

func mapWireError(code string) error {
	switch code {
	case "invalid_symbol":
		return ErrInvalidSymbol
	case "insufficient_margin":
		return ErrInsufficientMargin
	case "rejected":
		return ErrOrderRejected
	default:
		return fmt.Errorf("broker: %s", code)
	}
}

type submitMsg struct {
	IntentID   string `json:"intent_id"`
	Symbol     string `json:"symbol"`
	Kind       string `json:"kind"`
	Side       string `json:"side"`
	Quantity   int64  `json:"quantity"`
	LimitPrice string `json:"limit_price,omitempty"`
	StopPrice  string `json:"stop_price,omitempty"`
}

type submitResp struct {
	BrokerOrderID string `json:"broker_order_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
}

// Submit sends an order and reports the tagged outcome within the submit
// deadline.
func (w *WSBroker) Submit(ctx context.Context, req OrderRequest) SubmitResult {
	ctx, cancel := context.WithTimeout(ctx, SubmitDeadline)
	defer cancel()

	msg := submitMsg{
		IntentID: req.IntentID,
		Symbol:   req.Symbol,
		Kind:     string(req.Kind),
		Side:     string(req.Side),
		Quantity: req.Quantity,
	}
	if !req.LimitPrice.IsZero() {
		msg.LimitPrice = req.LimitPrice.String()
	}
	if !req.StopPrice.IsZero() {
		msg.StopPrice = req.StopPrice.String()
	}

	resp, err := w.request(ctx, "submit", msg)
	if err != nil {
		if err == ErrTimeout {
			return TimedOut(err)
		}
		if err == ErrInvalidSymbol || err == ErrInsufficientMargin || err == ErrOrderRejected {
			return Rejected(err.Error())
		}
		return SubmitResult{Outcome: SubmitRejected, Reason: "transport", Err: err}
	}

	var sr submitResp
	if err := json.Unmarshal(resp.Data, &sr); err != nil {
		return SubmitResult{Outcome: SubmitRejected, Reason: "bad response", Err: err}
	}
	if sr.Status == "rejected" {
		return Rejected(sr.Reason)
	}
	return Accepted(sr.BrokerOrderID)
}

// Cancel requests cancellation of a broker order.
func (w *WSBroker) Cancel(ctx context.Context, brokerOrderID string) error {
	ctx, cancel := context.WithTimeout(ctx, CancelDeadline)
	defer cancel()
	_, err := w.request(ctx, "cancel", map[string]string{"broker_order_id": brokerOrderID})
	return err
}

type positionMsg struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// Positions fetches the broker-side position snapshot.
func (w *WSBroker) Positions(ctx context.Context) ([]Position, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryDeadline)
	defer cancel()
	resp, err := w.request(ctx, "positions", struct{}{})
	if err != nil {
		return nil, err
	}
	var raw []positionMsg
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return nil, fmt.Errorf("broker positions: %w", err)
	}
	out := make([]Position, len(raw))
	for i, p := range raw {
		out[i] = Position{Symbol: p.Symbol, Quantity: p.Quantity, AvgCost: p.AvgCost}
	}
	return out, nil
}

type openOrderMsg struct {
	BrokerOrderID string          `json:"broker_order_id"`
	Symbol        string          `json:"symbol"`
	Kind          string          `json:"kind"`
	Side          string          `json:"side"`
	Quantity      int64           `json:"quantity"`
	Status        string          `json:"status"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
}

// OpenOrders fetches the broker-side open order snapshot.
func (w *WSBroker) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryDeadline)
	defer cancel()
	resp, err := w.request(ctx, "open_orders", struct{}{})
	if err != nil {
		return nil, err
	}
	var raw []openOrderMsg
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return nil, fmt.Errorf("broker open orders: %w", err)
	}
	out := make([]OpenOrder, len(raw))
	for i, o := range raw {
		out[i] = OpenOrder{
			BrokerOrderID: o.BrokerOrderID,
			Symbol:        o.Symbol,
			Kind:          types.OrderKind(o.Kind),
			Side:          types.OrderSide(o.Side),
			Quantity:      o.Quantity,
			Status:        types.OrderStatus(o.Status),
			LimitPrice:    o.LimitPrice,
			StopPrice:     o.StopPrice,
		}
	}
	return out, nil
}

type accountMsg struct {
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	Cash           decimal.Decimal `json:"cash"`
}

// AccountValue fetches portfolio total and cash.
func (w *WSBroker) AccountValue(ctx context.Context) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryDeadline)
	defer cancel()
	resp, err := w.request(ctx, "account", struct{}{})
	if err != nil {
		return Account{}, err
	}
	var m accountMsg
	if err := json.Unmarshal(resp.Data, &m); err != nil {
		return Account{}, fmt.Errorf("broker account: %w", err)
	}
	return Account{PortfolioValue: m.PortfolioValue, Cash: m.Cash}, nil
}
