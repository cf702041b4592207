package broker

import (
	"context"

	"github.com/sony/gobreaker"
)

// Breaking decorates a Broker with the venue circuit breaker. While
// the breaker is open every call fails fast with
// gobreaker.ErrOpenState instead of stacking timeouts onto a dead
// venue. Compose it outermost so one logical call counts once, however
// many retries run underneath.
type Breaking struct {
	inner Broker
	cb    *gobreaker.CircuitBreaker
}

func NewBreaking(inner Broker, cb *gobreaker.CircuitBreaker) *Breaking {
	return &Breaking{inner: inner, cb: cb}
}

func (b *Breaking) Place(ctx context.Context, req PlaceRequest) (string, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Place(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Breaking) Status(ctx context.Context, brokerID string) (StatusReport, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Status(ctx, brokerID)
	})
	if err != nil {
		return StatusReport{}, err
	}
	return v.(StatusReport), nil
}

func (b *Breaking) Cancel(ctx context.Context, brokerID string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Cancel(ctx, brokerID)
	})
	return err
}
