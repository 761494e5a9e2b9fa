package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerBroker wraps a Broker with a circuit breaker so a flapping session
// trips open instead of hammering the endpoint. Submit is deliberately NOT
// routed through the breaker: a submission must report its tagged outcome to
// the caller even when the circuit is open, and duplicate-side-effect risk is
// already handled by intent-id idempotency.
type BreakerBroker struct {
	inner   Broker
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // max probes when half-open
	Interval     time.Duration // counts reset interval
	Timeout      time.Duration // open duration
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// DefaultBreakerSettings returns conservative defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewBreakerBroker wraps inner with a circuit breaker.
func NewBreakerBroker(inner Broker, settings BreakerSettings, logger *zap.Logger) *BreakerBroker {
	b := &BreakerBroker{inner: inner, logger: logger.Named("broker-breaker")}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return b
}

var _ Broker = (*BreakerBroker)(nil)

// exec routes one call through the breaker.
func exec[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// Connect passes through; connection management has its own backoff policy.
func (b *BreakerBroker) Connect(ctx context.Context) error { return b.inner.Connect(ctx) }

// Disconnect passes through.
func (b *BreakerBroker) Disconnect() error { return b.inner.Disconnect() }

// Submit passes through; see the type comment.
func (b *BreakerBroker) Submit(ctx context.Context, req OrderRequest) SubmitResult {
	return b.inner.Submit(ctx, req)
}

// Cancel routes through the breaker.
func (b *BreakerBroker) Cancel(ctx context.Context, brokerOrderID string) error {
	_, err := exec(b.breaker, func() (struct{}, error) {
		return struct{}{}, b.inner.Cancel(ctx, brokerOrderID)
	})
	return err
}

// Positions routes through the breaker.
func (b *BreakerBroker) Positions(ctx context.Context) ([]Position, error) {
	return exec(b.breaker, func() ([]Position, error) { return b.inner.Positions(ctx) })
}

// OpenOrders routes through the breaker.
func (b *BreakerBroker) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	return exec(b.breaker, func() ([]OpenOrder, error) { return b.inner.OpenOrders(ctx) })
}

// AccountValue routes through the breaker.
func (b *BreakerBroker) AccountValue(ctx context.Context) (Account, error) {
	return exec(b.breaker, func() (Account, error) { return b.inner.AccountValue(ctx) })
}

// Events passes through.
func (b *BreakerBroker) Events() <-chan Event { return b.inner.Events() }
