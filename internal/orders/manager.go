package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/metrics"
)

// Store persists orders. The db package provides the Postgres
// implementation; tests use an in-memory fake.
type Store interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	Update(ctx context.Context, o *Order) error
}

// TradingHalt reports whether the kill switch is engaged
type TradingHalt interface {
	Engaged() bool
}

const lockStripes = 64

// Manager is the single writer for orders. Every mutation loads the row
// under a per-order lock, validates the requested transition against the
// lifecycle graph, persists, and publishes the derived bus event.
type Manager struct {
	store  Store
	bus    *bus.Bus
	halt   TradingHalt
	logger zerolog.Logger

	locks [lockStripes]sync.Mutex
}

// NewManager creates an order manager. halt may be nil when no kill
// switch is wired (tests, recovery tooling).
func NewManager(store Store, b *bus.Bus, halt TradingHalt, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		bus:    b,
		halt:   halt,
		logger: logger.With().Str("component", "order_manager").Logger(),
	}
}

func (m *Manager) lock(id uuid.UUID) *sync.Mutex {
	return &m.locks[int(id[0])%lockStripes]
}

// CreateParams carries everything needed to open an order from a signal
type CreateParams struct {
	SignalID   *uuid.UUID
	Ticker     string
	Side       Side
	ExecType   ExecType
	Quantity   int64
	LimitPrice *decimal.Decimal
	SignalData map[string]interface{}
}

// CreateFromSignal inserts a new order in SIGNAL_RECEIVED with the
// originating signal recorded under the signal_data stage.
func (m *Manager) CreateFromSignal(ctx context.Context, caller string, p CreateParams) (*Order, error) {
	if p.Quantity <= 0 {
		return nil, ErrQuantityNotPositive
	}
	if !IsValidSide(string(p.Side)) {
		return nil, fmt.Errorf("invalid order side %q", p.Side)
	}

	now := time.Now().UTC()
	o := &Order{
		ID:         uuid.New(),
		Ticker:     p.Ticker,
		Side:       p.Side,
		ExecType:   p.ExecType,
		Quantity:   p.Quantity,
		LimitPrice: p.LimitPrice,
		State:      StateSignalReceived,
		SignalID:   p.SignalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if o.ExecType == "" {
		o.ExecType = ExecLimit
	}
	if p.SignalData != nil {
		o.SetStage(StageSignalData, p.SignalData)
	}

	if err := m.store.Insert(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	m.logger.Info().
		Str("order_id", o.ID.String()).
		Str("caller", caller).
		Str("ticker", o.Ticker).
		Str("side", string(o.Side)).
		Int64("quantity", o.Quantity).
		Msg("Order created from signal")

	return o, nil
}

// Get loads an order without taking the write lock
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return m.store.Get(ctx, id)
}

// BeginValidation moves the order into VALIDATING
func (m *Manager) BeginValidation(ctx context.Context, id uuid.UUID, caller string) (*Order, error) {
	return m.transition(ctx, id, caller, StateValidating, nil, "", nil)
}

// MarkValidated moves the order into ORDER_PENDING and publishes
// signal_validated.
func (m *Manager) MarkValidated(ctx context.Context, id uuid.UUID, caller string) (*Order, error) {
	mutate := func(o *Order) {
		o.MergeStage(StageValidationResult, map[string]interface{}{
			"passed":       true,
			"validated_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
	payload := func(o *Order) map[string]interface{} {
		return map[string]interface{}{
			"order_id": o.ID.String(),
			"ticker":   o.Ticker,
			"side":     string(o.Side),
		}
	}
	return m.transition(ctx, id, caller, StateOrderPending, mutate, bus.TopicSignalValidated, payload)
}

// MarkRejected moves the order into REJECTED, recording the failed rule
func (m *Manager) MarkRejected(ctx context.Context, id uuid.UUID, caller string, rule RuleCode, reason string) (*Order, error) {
	mutate := func(o *Order) {
		o.MergeStage(StageValidationResult, map[string]interface{}{
			"passed": false,
			"rule":   string(rule),
			"reason": reason,
		})
	}
	payload := func(o *Order) map[string]interface{} {
		return map[string]interface{}{
			"order_id": o.ID.String(),
			"ticker":   o.Ticker,
			"rule":     string(rule),
			"reason":   reason,
		}
	}
	return m.transition(ctx, id, caller, StateRejected, mutate, bus.TopicOrderRejected, payload)
}

// MarkSent moves the order into ORDER_SENT with the broker's id. Refused
// while the kill switch is engaged.
func (m *Manager) MarkSent(ctx context.Context, id uuid.UUID, caller, brokerID string) (*Order, error) {
	mutate := func(o *Order) {
		o.BrokerID = &brokerID
		o.MergeStage(StageBrokerInfo, map[string]interface{}{
			"broker_id": brokerID,
			"sent_at":   time.Now().UTC().Format(time.RFC3339),
		})
	}
	payload := func(o *Order) map[string]interface{} {
		return map[string]interface{}{
			"order_id":  o.ID.String(),
			"ticker":    o.Ticker,
			"side":      string(o.Side),
			"quantity":  o.Quantity,
			"broker_id": brokerID,
		}
	}
	return m.transition(ctx, id, caller, StateOrderSent, mutate, bus.TopicOrderSent, payload)
}

// MarkPartiallyFilled records a partial fill. Repeated partial fills
// update the filled quantity in place; the filled quantity never moves
// backwards.
func (m *Manager) MarkPartiallyFilled(ctx context.Context, id uuid.UUID, caller string, filledQty int64, avgPrice decimal.Decimal) (*Order, error) {
	lock := m.lock(id)
	lock.Lock()
	defer lock.Unlock()

	o, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	firstPartial := o.State != StatePartialFilled
	if firstPartial {
		if err := ValidateTransition(o.State, StatePartialFilled); err != nil {
			return nil, err
		}
	}
	if filledQty <= o.FilledQty {
		// Stale or duplicate fill callback
		return o, nil
	}

	from := o.State
	o.State = StatePartialFilled
	o.FilledQty = filledQty
	o.FilledPrice = &avgPrice
	o.MergeStage(StageFillInfo, map[string]interface{}{
		"filled_qty": filledQty,
		"avg_price":  avgPrice.String(),
		"partial":    true,
	})
	o.UpdatedAt = time.Now().UTC()

	if err := m.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to persist order %s: %w", id, err)
	}

	if firstPartial {
		metrics.RecordOrderTransition(string(from), string(StatePartialFilled))
		m.publish(ctx, bus.TopicOrderFilled, map[string]interface{}{
			"order_id":   o.ID.String(),
			"ticker":     o.Ticker,
			"side":       string(o.Side),
			"filled_qty": filledQty,
			"partial":    true,
		})
	}

	m.logger.Info().
		Str("order_id", o.ID.String()).
		Str("caller", caller).
		Int64("filled_qty", filledQty).
		Msg("Order partially filled")

	return o, nil
}

// FullyFilled completes the order. A second call for an already filled
// order is absorbed as a no-op.
func (m *Manager) FullyFilled(ctx context.Context, id uuid.UUID, caller string, price decimal.Decimal) (*Order, error) {
	mutate := func(o *Order) {
		o.FilledQty = o.Quantity
		o.FilledPrice = &price
		o.MergeStage(StageFillInfo, map[string]interface{}{
			"filled_qty": o.Quantity,
			"avg_price":  price.String(),
			"partial":    false,
		})
	}
	payload := func(o *Order) map[string]interface{} {
		p := map[string]interface{}{
			"order_id": o.ID.String(),
			"ticker":   o.Ticker,
			"side":     string(o.Side),
			"quantity": o.Quantity,
			"price":    price.String(),
		}
		if o.SignalID != nil {
			p["signal_id"] = o.SignalID.String()
		}
		if o.BrokerID != nil {
			p["broker_id"] = *o.BrokerID
		}
		return p
	}
	return m.transition(ctx, id, caller, StateFullyFilled, mutate, bus.TopicOrderFilled, payload)
}

// Cancel moves the order into CANCELLED
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID, caller, reason string) (*Order, error) {
	mutate := func(o *Order) {
		o.MergeStage(StageBrokerInfo, map[string]interface{}{"cancel_reason": reason})
	}
	payload := func(o *Order) map[string]interface{} {
		return map[string]interface{}{
			"order_id": o.ID.String(),
			"ticker":   o.Ticker,
			"reason":   reason,
		}
	}
	return m.transition(ctx, id, caller, StateCancelled, mutate, bus.TopicOrderCancelled, payload)
}

// Fail moves the order into FAILED
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, caller, reason string) (*Order, error) {
	mutate := func(o *Order) {
		o.MergeStage(StageBrokerInfo, map[string]interface{}{"failure_reason": reason})
	}
	payload := func(o *Order) map[string]interface{} {
		return map[string]interface{}{
			"order_id": o.ID.String(),
			"ticker":   o.Ticker,
			"reason":   reason,
		}
	}
	return m.transition(ctx, id, caller, StateFailed, mutate, bus.TopicOrderFailed, payload)
}

// FlagManualReview marks the order for operator attention without a state
// change. Idempotent.
func (m *Manager) FlagManualReview(ctx context.Context, id uuid.UUID, caller, reason string) (*Order, error) {
	lock := m.lock(id)
	lock.Lock()
	defer lock.Unlock()

	o, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.NeedsManualReview {
		return o, nil
	}

	o.NeedsManualReview = true
	o.MergeStage(StageBrokerInfo, map[string]interface{}{"manual_review_reason": reason})
	o.UpdatedAt = time.Now().UTC()

	if err := m.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to persist order %s: %w", id, err)
	}

	metrics.OrdersFlaggedForReview.Inc()
	m.publish(ctx, bus.TopicErrorOccurred, map[string]interface{}{
		"order_id": o.ID.String(),
		"ticker":   o.Ticker,
		"caller":   caller,
		"reason":   reason,
		"kind":     "order_manual_review",
	})

	m.logger.Warn().
		Str("order_id", o.ID.String()).
		Str("caller", caller).
		Str("reason", reason).
		Msg("Order flagged for manual review")

	return o, nil
}

// transition is the shared mutation path: lock, load, no-op on same
// state, validate the edge, apply, persist, publish.
func (m *Manager) transition(
	ctx context.Context,
	id uuid.UUID,
	caller string,
	to State,
	mutate func(*Order),
	topic bus.Topic,
	payload func(*Order) map[string]interface{},
) (*Order, error) {
	lock := m.lock(id)
	lock.Lock()
	defer lock.Unlock()

	o, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if o.State == to {
		m.logger.Debug().
			Str("order_id", id.String()).
			Str("caller", caller).
			Str("state", string(to)).
			Msg("Transition is a no-op")
		return o, nil
	}

	if err := ValidateTransition(o.State, to); err != nil {
		return nil, err
	}
	if to == StateOrderSent && m.halt != nil && m.halt.Engaged() {
		return nil, ErrKillSwitchActive
	}

	from := o.State
	if mutate != nil {
		mutate(o)
	}
	o.State = to
	o.UpdatedAt = time.Now().UTC()

	if err := m.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to persist order %s: %w", id, err)
	}

	metrics.RecordOrderTransition(string(from), string(to))
	m.logger.Info().
		Str("order_id", id.String()).
		Str("caller", caller).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Order state transition")

	if topic != "" && payload != nil {
		m.publish(ctx, topic, payload(o))
	}

	return o, nil
}

// publish emits a bus event; a closed bus during shutdown must not undo a
// persisted mutation, so failures are logged and dropped
func (m *Manager) publish(ctx context.Context, topic bus.Topic, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, topic, payload); err != nil {
		m.logger.Error().Err(err).Str("topic", string(topic)).Msg("Failed to publish order event")
	}
}
