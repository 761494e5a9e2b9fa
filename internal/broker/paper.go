package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/pkg/types"
)

// Paper is an in-process simulated brokerage. Market orders fill immediately
// at the symbol's mark price; stop and limit orders rest until MarkPrice
// moves through their trigger. It implements the same interface as the live
// adapter so paper mode exercises the full execution path, and it backs the
// executor and reconciler test suites.
type Paper struct {
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	cash      decimal.Decimal
	marks     map[string]decimal.Decimal
	positions map[string]*Position
	resting   map[string]*restingOrder
	byIntent  map[string]string // intent id -> broker order id

	// RejectNext, when set, rejects the next submission with the given
	// reason. SilenceNext swallows the next submission so the caller's
	// deadline elapses.
	RejectNext  string
	SilenceNext bool

	events chan Event
}

type restingOrder struct {
	order OpenOrder
}

// NewPaper creates a paper broker with the given starting cash.
func NewPaper(startingCash decimal.Decimal, logger *zap.Logger) *Paper {
	return &Paper{
		logger:    logger.Named("broker-paper"),
		cash:      startingCash,
		marks:     make(map[string]decimal.Decimal),
		positions: make(map[string]*Position),
		resting:   make(map[string]*restingOrder),
		byIntent:  make(map[string]string),
		events:    make(chan Event, 256),
	}
}

var _ Broker = (*Paper)(nil)

// Connect marks the session live.
func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.emit(ConnectedEvent{At: time.Now().UTC()})
	return nil
}

// Disconnect marks the session down.
func (p *Paper) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// Events returns the push stream.
func (p *Paper) Events() <-chan Event { return p.events }

func (p *Paper) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}

// MarkPrice sets the simulated market price for a symbol and triggers any
// resting orders the move crosses.
func (p *Paper) MarkPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.marks[symbol] = price
	triggered := p.collectTriggered(symbol, price)
	p.mu.Unlock()

	for _, ro := range triggered {
		p.fill(ro.order, price)
	}
}

// collectTriggered removes and returns resting orders crossed by price.
// Caller holds the lock.
func (p *Paper) collectTriggered(symbol string, price decimal.Decimal) []*restingOrder {
	var out []*restingOrder
	for id, ro := range p.resting {
		o := ro.order
		if o.Symbol != symbol {
			continue
		}
		hit := false
		switch o.Kind {
		case types.OrderStopLoss:
			hit = price.LessThanOrEqual(o.StopPrice)
		case types.OrderTakeProfit:
			hit = price.GreaterThanOrEqual(o.LimitPrice)
		}
		if hit {
			delete(p.resting, id)
			out = append(out, ro)
		}
	}
	return out
}

// Submit fills market orders at the current mark and parks stop/limit orders.
func (p *Paper) Submit(ctx context.Context, req OrderRequest) SubmitResult {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return SubmitResult{Outcome: SubmitRejected, Reason: "not connected", Err: ErrNotConnected}
	}
	if p.SilenceNext {
		p.SilenceNext = false
		p.mu.Unlock()
		<-ctx.Done()
		return TimedOut(ctx.Err())
	}
	if p.RejectNext != "" {
		reason := p.RejectNext
		p.RejectNext = ""
		p.mu.Unlock()
		return Rejected(reason)
	}
	if prior, ok := p.byIntent[req.IntentID]; ok {
		p.mu.Unlock()
		return Accepted(prior)
	}

	id := uuid.New().String()
	p.byIntent[req.IntentID] = id

	order := OpenOrder{
		BrokerOrderID: id,
		Symbol:        req.Symbol,
		Kind:          req.Kind,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Status:        types.OrderSubmitted,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
	}

	switch req.Kind {
	case types.OrderEntryMarket, types.OrderExitMarket:
		mark, ok := p.marks[req.Symbol]
		p.mu.Unlock()
		if !ok {
			return Rejected(fmt.Sprintf("no market for %s", req.Symbol))
		}
		p.fill(order, mark)
		return Accepted(id)
	default:
		p.resting[id] = &restingOrder{order: order}
		p.mu.Unlock()
		return Accepted(id)
	}
}

// fill books the execution, updates positions and cash, and emits events.
func (p *Paper) fill(order OpenOrder, price decimal.Decimal) {
	qty := decimal.NewFromInt(order.Quantity)
	notional := price.Mul(qty)

	p.mu.Lock()
	pos, ok := p.positions[order.Symbol]
	if order.Side == types.SideBuy {
		p.cash = p.cash.Sub(notional)
		if !ok {
			p.positions[order.Symbol] = &Position{
				Symbol: order.Symbol, Quantity: order.Quantity, AvgCost: price,
			}
		} else {
			total := pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity)).Add(notional)
			pos.Quantity += order.Quantity
			pos.AvgCost = total.Div(decimal.NewFromInt(pos.Quantity))
		}
	} else {
		p.cash = p.cash.Add(notional)
		if ok {
			pos.Quantity -= order.Quantity
			if pos.Quantity <= 0 {
				delete(p.positions, order.Symbol)
			}
		}
	}
	p.mu.Unlock()

	now := time.Now().UTC()
	p.emit(FillEvent{
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        order.Symbol,
		Quantity:      order.Quantity,
		Price:         price,
		At:            now,
	})
	p.emit(OrderStatusEvent{
		BrokerOrderID: order.BrokerOrderID,
		Status:        types.OrderFilled,
		At:            now,
	})
}

// Cancel removes a resting order.
func (p *Paper) Cancel(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	_, ok := p.resting[brokerOrderID]
	delete(p.resting, brokerOrderID)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("broker: unknown order %s", brokerOrderID)
	}
	p.emit(OrderStatusEvent{
		BrokerOrderID: brokerOrderID,
		Status:        types.OrderCancelled,
		At:            time.Now().UTC(),
	})
	return nil
}

// Positions returns the current position snapshot.
func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// OpenOrders returns the resting order snapshot.
func (p *Paper) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]OpenOrder, 0, len(p.resting))
	for _, ro := range p.resting {
		out = append(out, ro.order)
	}
	return out, nil
}

// AccountValue returns cash plus positions at mark.
func (p *Paper) AccountValue(ctx context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return Account{}, ErrNotConnected
	}
	total := p.cash
	for sym, pos := range p.positions {
		if mark, ok := p.marks[sym]; ok {
			total = total.Add(mark.Mul(decimal.NewFromInt(pos.Quantity)))
		} else {
			total = total.Add(pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity)))
		}
	}
	return Account{PortfolioValue: total, Cash: p.cash}, nil
}

// SeedPosition installs a broker-side position directly, bypassing order
// flow. Reconciliation drills use it to fabricate drift.
func (p *Paper) SeedPosition(symbol string, quantity int64, avgCost decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = &Position{Symbol: symbol, Quantity: quantity, AvgCost: avgCost}
}

// DropPosition removes a broker-side position directly.
func (p *Paper) DropPosition(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, symbol)
}
