// Package broker owns all side-effecting I/O to the brokerage. No other
// component issues broker calls; sessions are injected and disposable, and
// tests substitute implementations of the same interface.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/evertide/swingbot/pkg/types"
)

// Failure taxonomy surfaced by adapters.
var (
	ErrConnectionLost     = errors.New("broker: connection lost")
	ErrOrderRejected      = errors.New("broker: order rejected")
	ErrInsufficientMargin = errors.New("broker: insufficient margin")
	ErrInvalidSymbol      = errors.New("broker: invalid symbol")
	ErrTimeout            = errors.New("broker: timeout")
	ErrNotConnected       = errors.New("broker: not connected")
)

// Default per-call deadlines.
const (
	SubmitDeadline = 10 * time.Second
	CancelDeadline = 5 * time.Second
	QueryDeadline  = 5 * time.Second
	// AckDeadline is how long a submitted order may go unacknowledged
	// before it is treated as timed out.
	AckDeadline = 5 * time.Minute
)

// OrderRequest describes an order to submit. IntentID makes submission
// idempotent: retrying with the same intent yields at most one broker order.
type OrderRequest struct {
	IntentID   string
	Symbol     string
	Kind       types.OrderKind
	Side       types.OrderSide
	Quantity   int64
	LimitPrice decimal.Decimal // take-profit limit
	StopPrice  decimal.Decimal // stop-loss trigger
}

// SubmitOutcome tags the result of a submission attempt.
type SubmitOutcome int

const (
	SubmitAccepted SubmitOutcome = iota
	SubmitRejected
	SubmitTimedOut
)

// SubmitResult is the tagged result of Submit. Handlers match on Outcome
// instead of unwinding errors across component boundaries.
type SubmitResult struct {
	Outcome       SubmitOutcome
	BrokerOrderID string // set when accepted
	Reason        string // broker-supplied rejection reason
	Err           error  // transport-level failure, when any
}

// Accepted reports whether the submission was accepted.
func (r SubmitResult) Accepted() bool { return r.Outcome == SubmitAccepted }

// Rejected reports whether the submission was rejected.
func (r SubmitResult) Rejected() bool { return r.Outcome == SubmitRejected }

// TimedOut reports whether the submission timed out unacknowledged.
func (r SubmitResult) TimedOut() bool { return r.Outcome == SubmitTimedOut }

// Accepted builds an accepted result.
func Accepted(brokerOrderID string) SubmitResult {
	return SubmitResult{Outcome: SubmitAccepted, BrokerOrderID: brokerOrderID}
}

// Rejected builds a rejected result.
func Rejected(reason string) SubmitResult {
	return SubmitResult{Outcome: SubmitRejected, Reason: reason, Err: ErrOrderRejected}
}

// TimedOut builds a timed-out result.
func TimedOut(err error) SubmitResult {
	if err == nil {
		err = ErrTimeout
	}
	return SubmitResult{Outcome: SubmitTimedOut, Err: err}
}

// Position is a broker-side position snapshot entry.
type Position struct {
	Symbol   string
	Quantity int64
	AvgCost  decimal.Decimal
}

// OpenOrder is a broker-side open order snapshot entry.
type OpenOrder struct {
	BrokerOrderID string
	Symbol        string
	Kind          types.OrderKind
	Side          types.OrderSide
	Quantity      int64
	Status        types.OrderStatus
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
}

// Account is the broker-side account snapshot.
type Account struct {
	PortfolioValue decimal.Decimal
	Cash           decimal.Decimal
}

// Event is a push notification from the broker session. Per broker order,
// status events arrive in broker-assigned order; consumers must deduplicate
// by (broker order id, status) as deliveries may repeat.
type Event interface{ brokerEvent() }

// ConnectedEvent signals an established session.
type ConnectedEvent struct{ At time.Time }

// DisconnectedEvent signals a dropped session.
type DisconnectedEvent struct {
	At  time.Time
	Err error
}

// OrderStatusEvent reports an order lifecycle transition.
type OrderStatusEvent struct {
	BrokerOrderID string
	Status        types.OrderStatus
	Reason        string
	At            time.Time
}

// FillEvent reports a (possibly partial) execution.
type FillEvent struct {
	BrokerOrderID string
	Symbol        string
	Quantity      int64
	Price         decimal.Decimal
	At            time.Time
}

func (ConnectedEvent) brokerEvent()    {}
func (DisconnectedEvent) brokerEvent() {}
func (OrderStatusEvent) brokerEvent()  {}
func (FillEvent) brokerEvent()         {}

// Broker is the single access path to the brokerage session.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error

	Submit(ctx context.Context, req OrderRequest) SubmitResult
	Cancel(ctx context.Context, brokerOrderID string) error

	Positions(ctx context.Context) ([]Position, error)
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
	AccountValue(ctx context.Context) (Account, error)

	// Events returns the push stream of fills and status transitions.
	Events() <-chan Event
}
