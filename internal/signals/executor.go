package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/broker"
	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/metrics"
	"github.com/warroomhq/warroom/internal/orders"
	"github.com/warroomhq/warroom/internal/risk"
	"github.com/warroomhq/warroom/internal/warroom"
)

const executorCaller = "executor"

// SignalStore persists signals and their status flips. Implemented by
// the database layer.
type SignalStore interface {
	InsertSignal(ctx context.Context, sig *Signal) error
	UpdateSignalStatus(ctx context.Context, id uuid.UUID, status Status) error
}

// RiskView supplies fresh portfolio snapshots for routing and validation
type RiskView interface {
	Snapshot(ctx context.Context) (*risk.Context, error)
}

// OpenOrderSource lists orders by state for the kill-switch sweep
type OpenOrderSource interface {
	OrdersInState(ctx context.Context, state orders.State) ([]*orders.Order, error)
}

// Executor walks an admitted signal through order creation, validation,
// broker submission, and the first fill report. It is the only caller of
// the broker on the order-entry path; fills after the first report are
// the reconcile job's business.
type Executor struct {
	manager   *orders.Manager
	validator *orders.Validator
	riskView  RiskView
	brk       broker.Broker
	rules     *config.Rules
	store     SignalStore
	open      OpenOrderSource
	logger    zerolog.Logger

	brokerTimeout time.Duration
}

func NewExecutor(
	manager *orders.Manager,
	validator *orders.Validator,
	riskView RiskView,
	brk broker.Broker,
	rules *config.Rules,
	store SignalStore,
	open OpenOrderSource,
	cfg config.BrokerConfig,
	logger zerolog.Logger,
) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Executor{
		manager:       manager,
		validator:     validator,
		riskView:      riskView,
		brk:           brk,
		rules:         rules,
		store:         store,
		open:          open,
		logger:        logger.With().Str("component", "executor").Logger(),
		brokerTimeout: timeout,
	}
}

// orderSide maps a deliberation action to an order side. HOLD and
// MAINTAIN carry no trade.
func orderSide(action warroom.Action) (orders.Side, bool) {
	switch action {
	case warroom.ActionBuy, warroom.ActionIncrease, warroom.ActionDCA:
		return orders.SideBuy, true
	case warroom.ActionSell, warroom.ActionReduce:
		return orders.SideSell, true
	}
	return "", false
}

func execType(t ExecutionType) orders.ExecType {
	if t == ExecutionMarket {
		return orders.ExecMarket
	}
	return orders.ExecLimit
}

// Execute runs one signal through the order flow. Validation rejections
// and kill-switch refusals are outcomes, not errors; only infrastructure
// faults surface.
func (e *Executor) Execute(ctx context.Context, sig *Signal) error {
	side, tradeable := orderSide(sig.Action)
	if !tradeable {
		e.logger.Debug().
			Str("ticker", sig.Ticker).
			Str("action", string(sig.Action)).
			Msg("signal carries no trade")
		return nil
	}

	execStart := time.Now()

	rc, err := e.riskView.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot risk context: %w", err)
	}

	ord, err := e.manager.CreateFromSignal(ctx, executorCaller, orders.CreateParams{
		SignalID:   &sig.ID,
		Ticker:     sig.Ticker,
		Side:       side,
		ExecType:   execType(sig.ExecutionType),
		Quantity:   sig.Quantity,
		LimitPrice: e.limitPrice(sig),
		SignalData: signalStage(sig),
	})
	if err != nil {
		return fmt.Errorf("failed to create order from signal %s: %w", sig.ID, err)
	}

	if _, err := e.manager.BeginValidation(ctx, ord.ID, executorCaller); err != nil {
		return fmt.Errorf("failed to begin validation: %w", err)
	}

	verdict := e.validator.Validate(orders.ValidationInput{
		Ticker:   sig.Ticker,
		Exchange: e.rules.Exchange(sig.Ticker),
		Side:     side,
		Quantity: sig.Quantity,
		Entry:    sig.Entry,
		StopLoss: sig.StopLoss,
	}, rc)

	if !verdict.Passed {
		if _, err := e.manager.MarkRejected(ctx, ord.ID, executorCaller, verdict.Rule, verdict.Reason); err != nil {
			return fmt.Errorf("failed to record rejection: %w", err)
		}
		e.setSignalStatus(ctx, sig.ID, StatusCancelled)
		return nil
	}

	if _, err := e.manager.MarkValidated(ctx, ord.ID, executorCaller); err != nil {
		return fmt.Errorf("failed to mark order validated: %w", err)
	}

	if rc.KillSwitchEngaged {
		e.logger.Warn().
			Str("order_id", ord.ID.String()).
			Str("ticker", sig.Ticker).
			Msg("kill switch engaged, cancelling validated order")
		if _, err := e.manager.Cancel(ctx, ord.ID, executorCaller, "kill switch engaged"); err != nil {
			return fmt.Errorf("failed to cancel order under kill switch: %w", err)
		}
		e.setSignalStatus(ctx, sig.ID, StatusCancelled)
		return nil
	}

	brokerID, err := e.place(ctx, sig, side, ord.ID)
	if err != nil || brokerID == "" {
		// place already recorded the outcome on the order
		return err
	}

	if _, err := e.manager.MarkSent(ctx, ord.ID, executorCaller, brokerID); err != nil {
		if errors.Is(err, orders.ErrKillSwitchActive) {
			// engaged between the pre-check and the gate: pull the venue
			// order back before it fills
			e.retractVenueOrder(sig, ord.ID, brokerID)
			return nil
		}
		return fmt.Errorf("failed to mark order sent: %w", err)
	}

	metrics.OrderExecutionLatency.Observe(float64(time.Since(execStart).Milliseconds()))
	e.setSignalStatus(ctx, sig.ID, e.applyFirstReport(ctx, ord.ID, brokerID))
	return nil
}

// place submits the order to the venue with the per-call budget. A clean
// rejection fails the order; an ambiguous outcome (the venue may or may
// not have it) flags manual review and leaves the order pending.
func (e *Executor) place(ctx context.Context, sig *Signal, side orders.Side, orderID uuid.UUID) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, e.brokerTimeout)
	defer cancel()

	started := time.Now()
	brokerID, err := e.brk.Place(pctx, broker.PlaceRequest{
		ClientOrderID: orderID.String(),
		Ticker:        sig.Ticker,
		Side:          broker.Side(side),
		Type:          broker.OrderType(sig.ExecutionType),
		Quantity:      sig.Quantity,
		LimitPrice:    e.limitPrice(sig),
	})
	metrics.RecordBrokerAPICall("place", float64(time.Since(started).Milliseconds()), err)
	if err == nil {
		return brokerID, nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e.logger.Error().Err(err).
			Str("order_id", orderID.String()).
			Msg("broker submit ambiguous, flagging for manual review")
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		if _, ferr := e.manager.FlagManualReview(cctx, orderID, executorCaller,
			fmt.Sprintf("broker submit ambiguous: %v", err)); ferr != nil {
			e.logger.Error().Err(ferr).Str("order_id", orderID.String()).Msg("failed to flag manual review")
		}
		return "", nil
	}

	e.logger.Warn().Err(err).
		Str("order_id", orderID.String()).
		Str("ticker", sig.Ticker).
		Msg("broker refused submission")
	if _, ferr := e.manager.Fail(ctx, orderID, executorCaller, fmt.Sprintf("broker submit failed: %v", err)); ferr != nil {
		return "", fmt.Errorf("failed to record broker failure: %w", ferr)
	}
	e.setSignalStatus(ctx, sig.ID, StatusCancelled)
	return "", nil
}

// applyFirstReport polls the venue once right after submission and
// returns the signal's disposition. The paper broker fills instantly so
// this usually lands the fill; a live venue reporting pending is left
// to the reconcile job, and the signal counts as spent either way. Only
// an immediate venue rejection or cancel voids the signal.
func (e *Executor) applyFirstReport(ctx context.Context, orderID uuid.UUID, brokerID string) Status {
	sctx, cancel := context.WithTimeout(ctx, e.brokerTimeout)
	defer cancel()

	report, err := e.brk.Status(sctx, brokerID)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("order_id", orderID.String()).
			Str("broker_id", brokerID).
			Msg("first status poll failed, reconcile will follow up")
		return StatusExecuted
	}

	outcome := StatusExecuted
	switch report.Status {
	case broker.StatusFilled:
		_, err = e.manager.FullyFilled(ctx, orderID, executorCaller, report.AvgFillPrice)
	case broker.StatusPartial:
		_, err = e.manager.MarkPartiallyFilled(ctx, orderID, executorCaller, report.FilledQty, report.AvgFillPrice)
	case broker.StatusRejected:
		reason := report.Reason
		if reason == "" {
			reason = "rejected at venue"
		}
		_, err = e.manager.MarkRejected(ctx, orderID, executorCaller, orders.RuleBrokerRejected, reason)
		outcome = StatusCancelled
	case broker.StatusCancelled:
		_, err = e.manager.Cancel(ctx, orderID, executorCaller, "cancelled at venue")
		outcome = StatusCancelled
	case broker.StatusPending:
		// reconcile job owns it from here
	}
	if err != nil {
		e.logger.Error().Err(err).
			Str("order_id", orderID.String()).
			Str("status", string(report.Status)).
			Msg("failed to apply broker report")
	}
	return outcome
}

// retractVenueOrder cancels a just-placed venue order whose local
// transition was refused by the kill-switch gate.
func (e *Executor) retractVenueOrder(sig *Signal, orderID uuid.UUID, brokerID string) {
	cctx, cancel := context.WithTimeout(context.Background(), e.brokerTimeout)
	defer cancel()

	if err := e.brk.Cancel(cctx, brokerID); err != nil {
		e.logger.Error().Err(err).
			Str("order_id", orderID.String()).
			Str("broker_id", brokerID).
			Msg("failed to retract venue order, flagging for manual review")
		if _, ferr := e.manager.FlagManualReview(cctx, orderID, executorCaller,
			fmt.Sprintf("kill switch refusal but venue cancel failed: %v", err)); ferr != nil {
			e.logger.Error().Err(ferr).Str("order_id", orderID.String()).Msg("failed to flag manual review")
		}
		return
	}
	if _, err := e.manager.Cancel(cctx, orderID, executorCaller, "kill switch engaged"); err != nil {
		e.logger.Error().Err(err).Str("order_id", orderID.String()).Msg("failed to cancel order locally")
	}
	e.setSignalStatus(cctx, sig.ID, StatusCancelled)
}

// RegisterKillSwitchSweep cancels every in-flight order when the kill
// switch engages.
func (e *Executor) RegisterKillSwitchSweep(b *bus.Bus) error {
	return b.Subscribe(bus.TopicKillSwitch, "executor_kill_sweep", func(ctx context.Context, evt bus.Event) error {
		return e.CancelInFlight(ctx)
	})
}

// CancelInFlight cancels every ORDER_SENT order at the venue first, then
// locally. A failed venue cancel flags the order for manual review since
// it may still fill.
func (e *Executor) CancelInFlight(ctx context.Context) error {
	inFlight, err := e.open.OrdersInState(ctx, orders.StateOrderSent)
	if err != nil {
		return fmt.Errorf("failed to list in-flight orders: %w", err)
	}

	for _, ord := range inFlight {
		if ord.BrokerID == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, e.brokerTimeout)
		cerr := e.brk.Cancel(cctx, *ord.BrokerID)
		cancel()
		if cerr != nil {
			e.logger.Error().Err(cerr).
				Str("order_id", ord.ID.String()).
				Str("broker_id", *ord.BrokerID).
				Msg("venue cancel failed during kill-switch sweep")
			if _, ferr := e.manager.FlagManualReview(ctx, ord.ID, executorCaller,
				fmt.Sprintf("kill-switch sweep: venue cancel failed: %v", cerr)); ferr != nil {
				e.logger.Error().Err(ferr).Str("order_id", ord.ID.String()).Msg("failed to flag manual review")
			}
			continue
		}
		if _, err := e.manager.Cancel(ctx, ord.ID, executorCaller, "kill switch sweep"); err != nil {
			e.logger.Error().Err(err).Str("order_id", ord.ID.String()).Msg("failed to cancel order locally")
		}
	}
	return nil
}

// limitPrice returns the signal's entry price for LIMIT orders; MARKET
// orders carry none.
func (e *Executor) limitPrice(sig *Signal) *decimal.Decimal {
	if sig.ExecutionType == ExecutionMarket {
		return nil
	}
	entry := sig.Entry
	return &entry
}

func (e *Executor) setSignalStatus(ctx context.Context, id uuid.UUID, status Status) {
	if err := e.store.UpdateSignalStatus(ctx, id, status); err != nil {
		e.logger.Error().Err(err).
			Str("signal_id", id.String()).
			Str("status", string(status)).
			Msg("failed to update signal status")
	}
}

func signalStage(sig *Signal) map[string]interface{} {
	stage := map[string]interface{}{
		"signal_id":  sig.ID.String(),
		"action":     string(sig.Action),
		"confidence": sig.Confidence,
		"urgency":    string(sig.Urgency),
		"reason":     sig.Reason,
	}
	if sig.StopLoss != nil {
		stage["stop_loss"] = sig.StopLoss.String()
	}
	if sig.TakeProfit != nil {
		stage["take_profit"] = sig.TakeProfit.String()
	}
	if sig.SourceArticleID != nil {
		stage["source_article_id"] = sig.SourceArticleID.String()
	}
	if sig.DeliberationID != nil {
		stage["deliberation_id"] = sig.DeliberationID.String()
	}
	return stage
}
