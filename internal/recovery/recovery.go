// Package recovery replays broker truth onto orders a crash left
// mid-flight. The boot sweep and the periodic broker_reconcile job
// share one reconciliation body, so a fill that lands while the
// process is down is applied the same way whether it is found at
// startup or a minute later.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/alerts"
	"github.com/warroomhq/warroom/internal/broker"
	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/metrics"
	"github.com/warroomhq/warroom/internal/orders"
)

const recoveryCaller = "recovery"

// OrderLister enumerates orders by lifecycle state. Implemented by the
// database layer.
type OrderLister interface {
	OrdersInState(ctx context.Context, state orders.State) ([]*orders.Order, error)
}

// bootStates are every state a crash can strand an order in. IDLE is
// never persisted, so the sweep skips it.
var bootStates = []orders.State{
	orders.StateSignalReceived,
	orders.StateValidating,
	orders.StateOrderPending,
	orders.StateOrderSent,
	orders.StatePartialFilled,
}

// reconcileStates are the states the periodic job re-checks. Pre-send
// states are excluded: a live executor holds orders there for moments
// at a time, and only the boot sweep, which runs before the executor
// starts, may conclude that such an order is dead.
var reconcileStates = []orders.State{
	orders.StateOrderSent,
	orders.StatePartialFilled,
}

// Summary tallies one sweep by outcome
type Summary struct {
	Checked      int
	Filled       int
	Partial      int
	Cancelled    int
	Rejected     int
	Pending      int
	ManualReview int
	Failed       int
	Errors       int
}

// Coordinator reconciles persisted orders with the venue. All order
// mutations go through the order manager, so fills recovered here reach
// the shadow ledger over the same order_filled events as live fills.
type Coordinator struct {
	lister  OrderLister
	manager *orders.Manager
	brk     broker.Broker
	alerter alerts.Alerter
	bus     *bus.Bus
	logger  zerolog.Logger

	brokerTimeout time.Duration
}

// NewCoordinator creates a recovery coordinator. alerter may be nil
// when no alert channel is configured.
func NewCoordinator(
	lister OrderLister,
	manager *orders.Manager,
	brk broker.Broker,
	alerter alerts.Alerter,
	b *bus.Bus,
	cfg config.BrokerConfig,
	logger zerolog.Logger,
) *Coordinator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Coordinator{
		lister:        lister,
		manager:       manager,
		brk:           brk,
		alerter:       alerter,
		bus:           b,
		logger:        logger.With().Str("component", "recovery").Logger(),
		brokerTimeout: timeout,
	}
}

// Recover runs the boot sweep: every order a crash could have stranded
// is pushed to where the broker says it belongs. Orders stranded before
// submission are failed; orders the venue cannot account for are
// flagged for an operator. Safe to run any number of times, a sweep
// over already-reconciled orders changes nothing.
func (c *Coordinator) Recover(ctx context.Context) (Summary, error) {
	c.publish(ctx, bus.TopicRecoveryStarted, map[string]interface{}{"sweep": "boot"})
	started := time.Now()

	sum, err := c.sweep(ctx, bootStates, true)
	if err != nil {
		return sum, err
	}

	c.publish(ctx, bus.TopicRecoveryCompleted, map[string]interface{}{
		"checked":       sum.Checked,
		"filled":        sum.Filled,
		"partial":       sum.Partial,
		"cancelled":     sum.Cancelled,
		"rejected":      sum.Rejected,
		"pending":       sum.Pending,
		"manual_review": sum.ManualReview,
		"failed":        sum.Failed,
		"errors":        sum.Errors,
		"elapsed_ms":    time.Since(started).Milliseconds(),
	})
	c.logger.Info().
		Int("checked", sum.Checked).
		Int("pending", sum.Pending).
		Int("manual_review", sum.ManualReview).
		Int("errors", sum.Errors).
		Msg("Recovery sweep completed")
	return sum, nil
}

// Reconcile is the periodic pass over sent and partially filled orders.
// Runs as the broker_reconcile job.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	_, err := c.sweep(ctx, reconcileStates, false)
	return err
}

func (c *Coordinator) sweep(ctx context.Context, states []orders.State, failPreSend bool) (Summary, error) {
	var sum Summary
	for _, state := range states {
		list, err := c.lister.OrdersInState(ctx, state)
		if err != nil {
			return sum, fmt.Errorf("failed to list %s orders: %w", state, err)
		}
		for _, o := range list {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			sum.Checked++
			c.reconcileOrder(ctx, o, failPreSend, &sum)
		}
	}
	return sum, nil
}

func (c *Coordinator) reconcileOrder(ctx context.Context, o *orders.Order, failPreSend bool, sum *Summary) {
	if o.BrokerID == nil {
		if !failPreSend {
			return
		}
		if _, err := c.manager.Fail(ctx, o.ID, recoveryCaller, "crashed before submit"); err != nil {
			c.fault(o, "fail stranded order", err, sum)
			return
		}
		metrics.RecoveryOutcomes.WithLabelValues("failed_before_submit").Inc()
		sum.Failed++
		c.logger.Warn().
			Str("order_id", o.ID.String()).
			Str("state", string(o.State)).
			Msg("Order stranded before broker submission, failed")
		return
	}

	statusCtx, cancel := context.WithTimeout(ctx, c.brokerTimeout)
	rep, err := c.brk.Status(statusCtx, *o.BrokerID)
	cancel()
	if err != nil {
		c.park(ctx, o, fmt.Sprintf("broker status check failed: %v", err), sum)
		return
	}

	c.apply(ctx, o, rep, sum)
}

// apply pushes one broker status report onto the order. Replays are
// absorbed downstream: the manager no-ops same-state transitions and
// stale partial fills, and the shadow ledger keys fills by broker id.
func (c *Coordinator) apply(ctx context.Context, o *orders.Order, rep broker.StatusReport, sum *Summary) {
	var err error
	switch rep.Status {
	case broker.StatusFilled:
		if _, err = c.manager.FullyFilled(ctx, o.ID, recoveryCaller, rep.AvgFillPrice); err == nil {
			metrics.RecoveryOutcomes.WithLabelValues("filled").Inc()
			sum.Filled++
		}
	case broker.StatusPartial:
		if _, err = c.manager.MarkPartiallyFilled(ctx, o.ID, recoveryCaller, rep.FilledQty, rep.AvgFillPrice); err == nil {
			metrics.RecoveryOutcomes.WithLabelValues("partial").Inc()
			sum.Partial++
		}
	case broker.StatusCancelled:
		if _, err = c.manager.Cancel(ctx, o.ID, recoveryCaller, "recovered"); err == nil {
			metrics.RecoveryOutcomes.WithLabelValues("cancelled").Inc()
			sum.Cancelled++
		}
	case broker.StatusRejected:
		if _, err = c.manager.MarkRejected(ctx, o.ID, recoveryCaller, orders.RuleBrokerRejected, "recovered"); err == nil {
			metrics.RecoveryOutcomes.WithLabelValues("rejected").Inc()
			sum.Rejected++
		}
	case broker.StatusPending:
		// The venue is still working the order. The next reconcile
		// tick checks again.
		metrics.RecoveryOutcomes.WithLabelValues("pending").Inc()
		sum.Pending++
		return
	default:
		c.park(ctx, o, fmt.Sprintf("broker reports unknown status %q", rep.Status), sum)
		return
	}

	if err != nil {
		var te *orders.TransitionError
		if errors.As(err, &te) {
			// The broker's answer has no legal edge from where the
			// order sits, e.g. a venue rejection after a partial
			// fill. A human untangles it.
			c.park(ctx, o, fmt.Sprintf("broker state %s unreachable from %s", rep.Status, te.From), sum)
			return
		}
		c.fault(o, fmt.Sprintf("apply broker state %s", rep.Status), err, sum)
		return
	}

	c.logger.Info().
		Str("order_id", o.ID.String()).
		Str("broker_id", *o.BrokerID).
		Str("broker_status", string(rep.Status)).
		Msg("Order reconciled with broker state")
}

// park flags the order for an operator. The sweep keeps re-checking
// parked orders, so a transient broker fault clears itself on a later
// pass, but the alert fires only when the flag first goes up.
func (c *Coordinator) park(ctx context.Context, o *orders.Order, reason string, sum *Summary) {
	alreadyFlagged := o.NeedsManualReview

	if _, err := c.manager.FlagManualReview(ctx, o.ID, recoveryCaller, reason); err != nil {
		c.fault(o, "flag manual review", err, sum)
		return
	}
	metrics.RecoveryOutcomes.WithLabelValues("manual_review").Inc()
	sum.ManualReview++

	if alreadyFlagged || c.alerter == nil {
		return
	}
	alert := alerts.Alert{
		Title:    "Order needs manual review",
		Message:  fmt.Sprintf("order %s (%s %s x%d): %s", o.ID, o.Side, o.Ticker, o.Quantity, reason),
		Severity: alerts.SeverityCritical,
		Metadata: map[string]interface{}{
			"order_id": o.ID.String(),
			"ticker":   o.Ticker,
			"state":    string(o.State),
		},
	}
	if err := c.alerter.Send(ctx, alert); err != nil {
		c.logger.Error().
			Err(err).
			Str("order_id", o.ID.String()).
			Msg("Failed to send manual review alert")
	}
}

// fault records a transient per-order failure. The order stays where it
// is; the next sweep retries it.
func (c *Coordinator) fault(o *orders.Order, op string, err error, sum *Summary) {
	sum.Errors++
	metrics.RecoveryOutcomes.WithLabelValues("error").Inc()
	metrics.RecordError("recovery_order", "recovery")
	c.logger.Error().
		Err(err).
		Str("order_id", o.ID.String()).
		Str("op", op).
		Msg("Failed to reconcile order")
}

func (c *Coordinator) publish(ctx context.Context, topic bus.Topic, payload map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, topic, payload); err != nil {
		c.logger.Error().Err(err).Str("topic", string(topic)).Msg("Failed to publish recovery event")
	}
}
