package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/metrics"
)

// Retrying decorates a Broker with per-call timeouts and exponential
// backoff on retryable failures. Rejections and unknown-order errors
// pass straight through; the venue answered, retrying cannot help.
type Retrying struct {
	inner   Broker
	max     int
	base    time.Duration
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRetrying wraps inner with the retry policy from cfg.
func NewRetrying(inner Broker, cfg config.BrokerConfig, logger zerolog.Logger) *Retrying {
	max := cfg.RetryMax
	if max < 0 {
		max = 0
	}
	base := cfg.RetryBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &Retrying{
		inner:   inner,
		max:     max,
		base:    base,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "broker_retry").Logger(),
	}
}

func (r *Retrying) Place(ctx context.Context, req PlaceRequest) (string, error) {
	var brokerID string
	err := r.retry(ctx, "place", func(ctx context.Context) error {
		var err error
		brokerID, err = r.inner.Place(ctx, req)
		return err
	})
	return brokerID, err
}

func (r *Retrying) Status(ctx context.Context, brokerID string) (StatusReport, error) {
	var report StatusReport
	err := r.retry(ctx, "status", func(ctx context.Context) error {
		var err error
		report, err = r.inner.Status(ctx, brokerID)
		return err
	})
	return report, err
}

func (r *Retrying) Cancel(ctx context.Context, brokerID string) error {
	return r.retry(ctx, "cancel", func(ctx context.Context) error {
		return r.inner.Cancel(ctx, brokerID)
	})
}

func (r *Retrying) retry(ctx context.Context, op string, call func(context.Context) error) error {
	backoff := r.base
	var lastErr error

	for attempt := 0; attempt <= r.max; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("broker %s cancelled: %w", op, ctx.Err())
		default:
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if r.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
		}

		started := time.Now()
		err := call(attemptCtx)
		if cancel != nil {
			cancel()
		}
		metrics.RecordBrokerAPICall(op, float64(time.Since(started).Milliseconds()), err)

		if err == nil {
			if attempt > 0 {
				r.logger.Info().
					Str("operation", op).
					Int("attempt", attempt+1).
					Msg("Broker call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if attempt == r.max {
			break
		}

		r.logger.Warn().Err(err).
			Str("operation", op).
			Int("attempt", attempt+1).
			Int("max_attempts", r.max+1).
			Dur("backoff", backoff).
			Msg("Broker call failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("broker %s cancelled during backoff: %w", op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("broker %s failed after %d attempts: %w", op, r.max+1, lastErr)
}

// Retryable reports whether a broker error is worth another attempt.
// Venue verdicts are final; transport trouble is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrOrderNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporarily unavailable",
		"too many requests",
		"rate limit",
		"service unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
