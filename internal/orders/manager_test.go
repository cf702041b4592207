package orders

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warroomhq/warroom/internal/bus"
)

// memStore is an in-memory Store for manager tests
type memStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*Order
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[uuid.UUID]*Order)}
}

func cloneOrder(o *Order) *Order {
	c := *o
	if o.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (s *memStore) Insert(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *memStore) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *memStore) Update(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

type stubHalt struct{ engaged bool }

func (h *stubHalt) Engaged() bool { return h.engaged }

type eventCapture struct {
	mu     sync.Mutex
	topics []bus.Topic
	events []bus.Event
}

func (c *eventCapture) handler(ctx context.Context, evt bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, evt.Topic)
	c.events = append(c.events, evt)
	return nil
}

func (c *eventCapture) lastTopic() bus.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.topics) == 0 {
		return ""
	}
	return c.topics[len(c.topics)-1]
}

func (c *eventCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

func newTestManager(t *testing.T) (*Manager, *memStore, *eventCapture, *stubHalt) {
	t.Helper()
	b := bus.New(zerolog.Nop(), 0)
	t.Cleanup(b.Close)

	capture := &eventCapture{}
	b.SubscribeAll("capture", capture.handler)

	store := newMemStore()
	halt := &stubHalt{}
	mgr := NewManager(store, b, halt, zerolog.Nop())
	return mgr, store, capture, halt
}

func createTestOrder(t *testing.T, mgr *Manager) *Order {
	t.Helper()
	limit := decimal.NewFromFloat(100.0)
	sigID := uuid.New()
	o, err := mgr.CreateFromSignal(context.Background(), "test", CreateParams{
		SignalID:   &sigID,
		Ticker:     "AAPL",
		Side:       SideBuy,
		ExecType:   ExecLimit,
		Quantity:   100,
		LimitPrice: &limit,
		SignalData: map[string]interface{}{"confidence": 0.85},
	})
	require.NoError(t, err)
	return o
}

func TestCreateFromSignal(t *testing.T) {
	mgr, store, capture, _ := newTestManager(t)

	o := createTestOrder(t, mgr)

	assert.Equal(t, StateSignalReceived, o.State)
	assert.Equal(t, "AAPL", o.Ticker)
	assert.Equal(t, int64(100), o.Quantity)
	assert.Equal(t, map[string]interface{}{"confidence": 0.85}, o.Stage(StageSignalData))

	stored, err := store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSignalReceived, stored.State)

	// Creation itself publishes nothing; signal events belong to the pipeline
	assert.Zero(t, capture.count())
}

func TestCreateFromSignalRejectsBadInput(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	_, err := mgr.CreateFromSignal(context.Background(), "test", CreateParams{
		Ticker: "AAPL", Side: SideBuy, Quantity: 0,
	})
	assert.ErrorIs(t, err, ErrQuantityNotPositive)

	_, err = mgr.CreateFromSignal(context.Background(), "test", CreateParams{
		Ticker: "AAPL", Side: Side("SHORT"), Quantity: 10,
	})
	assert.Error(t, err)
}

func TestFullLifecycle(t *testing.T) {
	mgr, _, capture, _ := newTestManager(t)
	ctx := context.Background()

	o := createTestOrder(t, mgr)

	o, err := mgr.BeginValidation(ctx, o.ID, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, StateValidating, o.State)

	o, err = mgr.MarkValidated(ctx, o.ID, "validator")
	require.NoError(t, err)
	assert.Equal(t, StateOrderPending, o.State)
	assert.Equal(t, bus.TopicSignalValidated, capture.lastTopic())

	o, err = mgr.MarkSent(ctx, o.ID, "router", "brk-123")
	require.NoError(t, err)
	assert.Equal(t, StateOrderSent, o.State)
	require.NotNil(t, o.BrokerID)
	assert.Equal(t, "brk-123", *o.BrokerID)
	assert.Equal(t, bus.TopicOrderSent, capture.lastTopic())

	o, err = mgr.FullyFilled(ctx, o.ID, "broker", decimal.NewFromFloat(100.25))
	require.NoError(t, err)
	assert.Equal(t, StateFullyFilled, o.State)
	assert.Equal(t, o.Quantity, o.FilledQty)
	require.NotNil(t, o.FilledPrice)
	assert.Equal(t, "100.25", o.FilledPrice.String())
	assert.Equal(t, bus.TopicOrderFilled, capture.lastTopic())

	// Metadata accumulated across stages
	assert.NotNil(t, o.Stage(StageSignalData))
	assert.NotNil(t, o.Stage(StageValidationResult))
	assert.NotNil(t, o.Stage(StageBrokerInfo))
	assert.NotNil(t, o.Stage(StageFillInfo))
}

func TestFillIsIdempotent(t *testing.T) {
	mgr, _, capture, _ := newTestManager(t)
	ctx := context.Background()

	o := createTestOrder(t, mgr)
	_, err := mgr.BeginValidation(ctx, o.ID, "t")
	require.NoError(t, err)
	_, err = mgr.MarkValidated(ctx, o.ID, "t")
	require.NoError(t, err)
	_, err = mgr.MarkSent(ctx, o.ID, "t", "brk-1")
	require.NoError(t, err)

	before := capture.count()
	_, err = mgr.FullyFilled(ctx, o.ID, "broker", decimal.NewFromFloat(101))
	require.NoError(t, err)
	assert.Equal(t, before+1, capture.count())

	// Retried fill callback is absorbed: no error, no extra event
	got, err := mgr.FullyFilled(ctx, o.ID, "broker", decimal.NewFromFloat(999))
	require.NoError(t, err)
	assert.Equal(t, before+1, capture.count())
	assert.Equal(t, "101", got.FilledPrice.String(), "no-op must not rewrite the fill price")
}

func TestPartialFills(t *testing.T) {
	mgr, _, capture, _ := newTestManager(t)
	ctx := context.Background()

	o := createTestOrder(t, mgr)
	_, err := mgr.BeginValidation(ctx, o.ID, "t")
	require.NoError(t, err)
	_, err = mgr.MarkValidated(ctx, o.ID, "t")
	require.NoError(t, err)
	_, err = mgr.MarkSent(ctx, o.ID, "t", "brk-1")
	require.NoError(t, err)

	before := capture.count()

	o, err = mgr.MarkPartiallyFilled(ctx, o.ID, "broker", 40, decimal.NewFromFloat(100.1))
	require.NoError(t, err)
	assert.Equal(t, StatePartialFilled, o.State)
	assert.Equal(t, int64(40), o.FilledQty)
	assert.Equal(t, before+1, capture.count(), "first partial fill publishes order_filled")

	// Second partial: state unchanged, quantity advances, no second event
	o, err = mgr.MarkPartiallyFilled(ctx, o.ID, "broker", 70, decimal.NewFromFloat(100.2))
	require.NoError(t, err)
	assert.Equal(t, int64(70), o.FilledQty)
	assert.Equal(t, before+1, capture.count())

	// Stale callback with lower quantity is ignored
	o, err = mgr.MarkPartiallyFilled(ctx, o.ID, "broker", 50, decimal.NewFromFloat(100.0))
	require.NoError(t, err)
	assert.Equal(t, int64(70), o.FilledQty)

	o, err = mgr.FullyFilled(ctx, o.ID, "broker", decimal.NewFromFloat(100.3))
	require.NoError(t, err)
	assert.Equal(t, StateFullyFilled, o.State)
	assert.Equal(t, int64(100), o.FilledQty)
}

func TestInvalidTransitionRaised(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	o := createTestOrder(t, mgr)

	// SIGNAL_RECEIVED -> ORDER_SENT skips validation
	_, err := mgr.MarkSent(ctx, o.ID, "t", "brk-1")
	require.Error(t, err)

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StateSignalReceived, terr.From)
	assert.Equal(t, StateOrderSent, terr.To)
}

func TestOrderNotFound(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	_, err := mgr.BeginValidation(context.Background(), uuid.New(), "t")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestKillSwitchBlocksSend(t *testing.T) {
	mgr, _, _, halt := newTestManager(t)
	ctx := context.Background()

	o := createTestOrder(t, mgr)
	_, err := mgr.BeginValidation(ctx, o.ID, "t")
	require.NoError(t, err)
	_, err = mgr.MarkValidated(ctx, o.ID, "t")
	require.NoError(t, err)

	halt.engaged = true
	_, err = mgr.MarkSent(ctx, o.ID, "t", "brk-1")
	assert.ErrorIs(t, err, ErrKillSwitchActive)

	// Order stays in ORDER_PENDING, ready to send once trading resumes
	got, err := mgr.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StateOrderPending, got.State)

	halt.engaged = false
	_, err = mgr.MarkSent(ctx, o.ID, "t", "brk-1")
	assert.NoError(t, err)
}

func TestRejectRecordsRule(t *testing.T) {
	mgr, _, capture, _ := newTestManager(t)
	ctx := context.Background()

	o := createTestOrder(t, mgr)
	_, err := mgr.BeginValidation(ctx, o.ID, "t")
	require.NoError(t, err)

	o, err = mgr.MarkRejected(ctx, o.ID, "validator", RuleInsufficientCash, "cash 12.00 below order notional 10000.00")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, o.State)
	assert.Equal(t, bus.TopicOrderRejected, capture.lastTopic())

	result := o.Stage(StageValidationResult)
	require.NotNil(t, result)
	assert.Equal(t, false, result["passed"])
	assert.Equal(t, string(RuleInsufficientCash), result["rule"])
}

func TestCancelAndFail(t *testing.T) {
	mgr, _, capture, _ := newTestManager(t)
	ctx := context.Background()

	o1 := createTestOrder(t, mgr)
	_, err := mgr.Cancel(ctx, o1.ID, "operator", "kill switch")
	require.NoError(t, err)
	assert.Equal(t, bus.TopicOrderCancelled, capture.lastTopic())

	o2 := createTestOrder(t, mgr)
	_, err = mgr.Fail(ctx, o2.ID, "broker", "connection lost")
	require.NoError(t, err)
	assert.Equal(t, bus.TopicOrderFailed, capture.lastTopic())

	// Terminal states refuse further movement
	_, err = mgr.BeginValidation(ctx, o1.ID, "t")
	assert.Error(t, err)
}

func TestFlagManualReview(t *testing.T) {
	mgr, _, capture, _ := newTestManager(t)
	ctx := context.Background()

	o := createTestOrder(t, mgr)

	got, err := mgr.FlagManualReview(ctx, o.ID, "recovery", "broker state unknown")
	require.NoError(t, err)
	assert.True(t, got.NeedsManualReview)
	assert.Equal(t, StateSignalReceived, got.State, "flagging does not change state")
	assert.Equal(t, bus.TopicErrorOccurred, capture.lastTopic())

	before := capture.count()
	got, err = mgr.FlagManualReview(ctx, o.ID, "recovery", "again")
	require.NoError(t, err)
	assert.True(t, got.NeedsManualReview)
	assert.Equal(t, before, capture.count(), "second flag is a no-op")
}

func TestMetadataStagesAccumulate(t *testing.T) {
	o := &Order{}

	o.SetStage(StageSignalData, map[string]interface{}{"confidence": 0.8})
	o.MergeStage(StageBrokerInfo, map[string]interface{}{"broker_id": "b1"})
	o.MergeStage(StageBrokerInfo, map[string]interface{}{"sent_at": "now"})

	assert.Equal(t, 0.8, o.Stage(StageSignalData)["confidence"])
	assert.Equal(t, "b1", o.Stage(StageBrokerInfo)["broker_id"])
	assert.Equal(t, "now", o.Stage(StageBrokerInfo)["sent_at"])
}
