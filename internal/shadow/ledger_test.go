package shadow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/market"
	"github.com/warroomhq/warroom/internal/orders"
)

type memStore struct {
	mu        sync.Mutex
	session   *Session
	positions map[uuid.UUID]*Position
	points    []EquityPoint
	fillKeys  map[string]struct{}

	insertPosErr  error
	updateSessErr error
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[uuid.UUID]*Position),
		fillKeys:  make(map[string]struct{}),
	}
}

func (m *memStore) ActiveSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.Status != SessionActive {
		return nil, ErrNoActiveSession
	}
	s := *m.session
	return &s, nil
}

func (m *memStore) InsertSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *s
	m.session = &clone
	return nil
}

func (m *memStore) UpdateSession(ctx context.Context, s *Session) error {
	if m.updateSessErr != nil {
		return m.updateSessErr
	}
	return m.InsertSession(ctx, s)
}

func (m *memStore) OpenPositions(ctx context.Context, sessionID uuid.UUID) ([]*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Position
	for _, p := range m.positions {
		if p.SessionID == sessionID && p.Status == PositionOpen {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStore) InsertPosition(ctx context.Context, p *Position) error {
	if m.insertPosErr != nil {
		return m.insertPosErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	m.positions[p.ID] = &clone
	return nil
}

func (m *memStore) UpdatePosition(ctx context.Context, p *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	m.positions[p.ID] = &clone
	return nil
}

func (m *memStore) InsertEquityPoint(ctx context.Context, pt EquityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, pt)
	return nil
}

func (m *memStore) EquityCurve(ctx context.Context, sessionID uuid.UUID, limit int) ([]EquityPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts := m.points
	if len(pts) > limit {
		pts = pts[len(pts)-limit:]
	}
	out := make([]EquityPoint, len(pts))
	copy(out, pts)
	return out, nil
}

func (m *memStore) InsertFillKey(ctx context.Context, sessionID uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillKeys[key] = struct{}{}
	return nil
}

func (m *memStore) FillKeys(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.fillKeys))
	for k := range m.fillKeys {
		out = append(out, k)
	}
	return out, nil
}

func (m *memStore) storedPosition(t *testing.T, id uuid.UUID) Position {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	require.True(t, ok, "position %s not stored", id)
	return *p
}

type stubOrders struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*orders.Order
}

func (s *stubOrders) Get(ctx context.Context, id uuid.UUID) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.rows[id]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return ord, nil
}

type fakeMkt struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
}

func (m *fakeMkt) Price(ctx context.Context, ticker string, at time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return decimal.Zero, m.err
	}
	p, ok := m.prices[ticker]
	if !ok {
		return decimal.Zero, market.ErrPriceUnavailable
	}
	return p, nil
}

func (m *fakeMkt) setPrice(ticker string, p decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[ticker] = p
}

func (m *fakeMkt) RealizedVol(ctx context.Context, ticker string, days int) (decimal.Decimal, error) {
	return decimal.NewFromFloat(0.15), nil
}

func (m *fakeMkt) IsOpen(ctx context.Context, exchange string, at time.Time) (bool, error) {
	return true, nil
}

type eventCapture struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *eventCapture) record(ctx context.Context, evt bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *eventCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type ledgerFixture struct {
	ledger *Ledger
	store  *memStore
	orders *stubOrders
	mkt    *fakeMkt
	bus    *bus.Bus
}

func newTestLedger(t *testing.T) *ledgerFixture {
	t.Helper()
	b := bus.New(zerolog.Nop(), 0)
	t.Cleanup(b.Close)

	f := &ledgerFixture{
		store:  newMemStore(),
		orders: &stubOrders{rows: make(map[uuid.UUID]*orders.Order)},
		mkt:    &fakeMkt{prices: make(map[string]decimal.Decimal)},
		bus:    b,
	}
	f.ledger = NewLedger(f.store, f.orders, f.mkt, b, config.ShadowConfig{
		InitialCash:    100000,
		DriftTolerance: 0.001,
	}, zerolog.Nop())
	require.NoError(t, f.ledger.Load(context.Background()))
	return f
}

func (f *ledgerFixture) capture(t *testing.T, topic bus.Topic) *eventCapture {
	t.Helper()
	c := &eventCapture{}
	require.NoError(t, f.bus.Subscribe(topic, "test_capture_"+string(topic), c.record))
	return c
}

func strPtr(s string) *string { return &s }

func buyOrder(ticker, brokerID string, qty int64, price string) *orders.Order {
	p, _ := decimal.NewFromString(price)
	ord := &orders.Order{
		ID:          uuid.New(),
		Ticker:      ticker,
		Side:        orders.SideBuy,
		Quantity:    qty,
		FilledQty:   qty,
		FilledPrice: &p,
		BrokerID:    strPtr(brokerID),
	}
	ord.SetStage(orders.StageSignalData, map[string]interface{}{
		"stop_loss":   "220",
		"take_profit": "260",
	})
	return ord
}

func sellOrder(ticker, brokerID string, qty int64, price string) *orders.Order {
	p, _ := decimal.NewFromString(price)
	return &orders.Order{
		ID:          uuid.New(),
		Ticker:      ticker,
		Side:        orders.SideSell,
		Quantity:    qty,
		FilledQty:   qty,
		FilledPrice: &p,
		BrokerID:    strPtr(brokerID),
	}
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestLoadCreatesSession(t *testing.T) {
	f := newTestLedger(t)

	sess, ok := f.ledger.Session()
	require.True(t, ok)
	assert.Equal(t, SessionActive, sess.Status)
	assert.True(t, dec(t, "100000").Equal(sess.InitialCapital))
	assert.True(t, dec(t, "100000").Equal(sess.Cash))
	assert.False(t, sess.NeedsReconciliation)
}

func TestBuyFillOpensPosition(t *testing.T) {
	f := newTestLedger(t)
	opened := f.capture(t, bus.TopicPositionOpened)

	ord := buyOrder("AAPL", "BRK-1", 43, "231.45")
	require.NoError(t, f.ledger.ApplyFill(context.Background(), ord))

	open := f.ledger.OpenPositionsSnapshot()
	require.Len(t, open, 1)
	pos := open[0]
	assert.Equal(t, "AAPL", pos.Ticker)
	assert.Equal(t, int64(43), pos.Quantity)
	assert.True(t, dec(t, "231.45").Equal(pos.EntryPrice))
	require.NotNil(t, pos.StopLoss)
	assert.True(t, dec(t, "220").Equal(*pos.StopLoss))
	require.NotNil(t, pos.TakeProfit)
	assert.True(t, dec(t, "260").Equal(*pos.TakeProfit))
	assert.Equal(t, "BRK-1", pos.BrokerID)

	sess, _ := f.ledger.Session()
	assert.True(t, dec(t, "90047.65").Equal(sess.Cash), "cash %s", sess.Cash)
	assert.True(t, dec(t, "9952.35").Equal(sess.Invested))
	assert.True(t, dec(t, "100000").Equal(sess.Equity()))
	assert.Equal(t, 1, opened.count())

	stored := f.store.storedPosition(t, pos.ID)
	assert.Equal(t, PositionOpen, stored.Status)
}

func TestReplayedBuyFillAbsorbed(t *testing.T) {
	f := newTestLedger(t)
	ord := buyOrder("AAPL", "BRK-1", 43, "231.45")
	require.NoError(t, f.ledger.ApplyFill(context.Background(), ord))
	require.NoError(t, f.ledger.ApplyFill(context.Background(), ord))

	assert.Len(t, f.ledger.OpenPositionsSnapshot(), 1)
	sess, _ := f.ledger.Session()
	assert.True(t, dec(t, "90047.65").Equal(sess.Cash))
}

func TestRecoveredFillWithSameBrokerIDAbsorbed(t *testing.T) {
	f := newTestLedger(t)
	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 43, "231.45")))

	// A re-driven fill after recovery carries a fresh internal id but
	// the same broker order id.
	replay := buyOrder("AAPL", "BRK-1", 43, "231.45")
	require.NoError(t, f.ledger.ApplyFill(context.Background(), replay))

	assert.Len(t, f.ledger.OpenPositionsSnapshot(), 1)
	sess, _ := f.ledger.Session()
	assert.True(t, dec(t, "90047.65").Equal(sess.Cash))
}

func TestPartialThenFullFillGrowsPosition(t *testing.T) {
	f := newTestLedger(t)
	ord := buyOrder("NKE", "BRK-2", 100, "63.10")
	ord.FilledQty = 40

	require.NoError(t, f.ledger.ApplyFill(context.Background(), ord))
	require.Len(t, f.ledger.OpenPositionsSnapshot(), 1)
	assert.Equal(t, int64(40), f.ledger.OpenPositionsSnapshot()[0].Quantity)

	avg := dec(t, "63.05")
	ord.FilledQty = 100
	ord.FilledPrice = &avg
	require.NoError(t, f.ledger.ApplyFill(context.Background(), ord))

	open := f.ledger.OpenPositionsSnapshot()
	require.Len(t, open, 1)
	assert.Equal(t, int64(100), open[0].Quantity)
	assert.True(t, avg.Equal(open[0].EntryPrice))

	sess, _ := f.ledger.Session()
	assert.True(t, dec(t, "93695").Equal(sess.Cash), "cash %s", sess.Cash)
}

func TestStaleGrowthReplayAbsorbed(t *testing.T) {
	f := newTestLedger(t)
	ord := buyOrder("NKE", "BRK-2", 100, "63.10")
	require.NoError(t, f.ledger.ApplyFill(context.Background(), ord))

	stale := *ord
	stale.FilledQty = 40
	require.NoError(t, f.ledger.ApplyFill(context.Background(), &stale))

	open := f.ledger.OpenPositionsSnapshot()
	require.Len(t, open, 1)
	assert.Equal(t, int64(100), open[0].Quantity)
}

func TestSellFillClosesOldestFirst(t *testing.T) {
	f := newTestLedger(t)
	closed := f.capture(t, bus.TopicPositionClosed)

	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 30, "100")))
	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-2", 20, "110")))

	require.NoError(t, f.ledger.ApplyFill(context.Background(), sellOrder("AAPL", "BRK-3", 30, "120")))

	open := f.ledger.OpenPositionsSnapshot()
	require.Len(t, open, 1)
	assert.Equal(t, int64(20), open[0].Quantity)
	assert.True(t, dec(t, "110").Equal(open[0].EntryPrice), "newer position survives")

	sess, _ := f.ledger.Session()
	assert.True(t, dec(t, "98400").Equal(sess.Cash), "cash %s", sess.Cash)
	assert.True(t, dec(t, "600").Equal(sess.RealizedPnL))
	assert.Equal(t, 1, sess.Wins)
	assert.Equal(t, 0, sess.Losses)
	assert.Equal(t, 1.0, sess.WinRate)
	assert.Equal(t, 1, closed.count())
}

func TestSellAcrossPositionsTrimsSecond(t *testing.T) {
	f := newTestLedger(t)

	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 30, "100")))
	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-2", 20, "110")))

	require.NoError(t, f.ledger.ApplyFill(context.Background(), sellOrder("AAPL", "BRK-3", 40, "120")))

	open := f.ledger.OpenPositionsSnapshot()
	require.Len(t, open, 1)
	assert.Equal(t, int64(10), open[0].Quantity)

	sess, _ := f.ledger.Session()
	assert.True(t, dec(t, "99600").Equal(sess.Cash), "cash %s", sess.Cash)
	assert.True(t, dec(t, "700").Equal(sess.RealizedPnL))
	assert.Equal(t, 1, sess.Wins, "trimming is not a closed trade")
}

func TestSellExceedingHoldingsFlagsReconciliation(t *testing.T) {
	f := newTestLedger(t)
	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 30, "100")))

	require.NoError(t, f.ledger.ApplyFill(context.Background(), sellOrder("AAPL", "BRK-3", 100, "120")))

	sess, _ := f.ledger.Session()
	assert.True(t, sess.NeedsReconciliation)
	// Only the 30 held shares moved cash: 97000 + 3600.
	assert.True(t, dec(t, "100600").Equal(sess.Cash), "cash %s", sess.Cash)
}

func TestReplayedSellFillAbsorbed(t *testing.T) {
	f := newTestLedger(t)
	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 30, "100")))

	sell := sellOrder("AAPL", "BRK-3", 10, "120")
	require.NoError(t, f.ledger.ApplyFill(context.Background(), sell))
	require.NoError(t, f.ledger.ApplyFill(context.Background(), sell))

	open := f.ledger.OpenPositionsSnapshot()
	require.Len(t, open, 1)
	assert.Equal(t, int64(20), open[0].Quantity)
	sess, _ := f.ledger.Session()
	assert.True(t, dec(t, "98200").Equal(sess.Cash), "cash %s", sess.Cash)
}

func TestLosingCloseCountsLoss(t *testing.T) {
	f := newTestLedger(t)
	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 30, "100")))
	require.NoError(t, f.ledger.ApplyFill(context.Background(), sellOrder("AAPL", "BRK-2", 30, "90")))

	sess, _ := f.ledger.Session()
	assert.Equal(t, 0, sess.Wins)
	assert.Equal(t, 1, sess.Losses)
	assert.Zero(t, sess.WinRate)
	assert.True(t, dec(t, "-300").Equal(sess.RealizedPnL))
}

func TestRejectsFillWithoutFillData(t *testing.T) {
	f := newTestLedger(t)
	ord := buyOrder("AAPL", "BRK-1", 43, "231.45")
	ord.FilledQty = 0

	err := f.ledger.ApplyFill(context.Background(), ord)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without fill data")
}

func TestMarkToMarketRestatesEquity(t *testing.T) {
	f := newTestLedger(t)
	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 10, "100")))

	f.mkt.setPrice("AAPL", dec(t, "120"))
	require.NoError(t, f.ledger.MarkToMarket(context.Background()))

	open := f.ledger.OpenPositionsSnapshot()
	require.Len(t, open, 1)
	assert.True(t, dec(t, "120").Equal(open[0].CurrentPrice))
	assert.True(t, dec(t, "200").Equal(open[0].PnL))

	sess, _ := f.ledger.Session()
	assert.True(t, dec(t, "1200").Equal(sess.Invested))
	assert.True(t, dec(t, "100200").Equal(sess.Equity()))
	assert.True(t, dec(t, "200").Equal(sess.TotalPnL))
	assert.False(t, sess.NeedsReconciliation)

	require.Len(t, f.store.points, 1)
	assert.True(t, dec(t, "100200").Equal(f.store.points[0].Equity))
}

func TestMarkToMarketPriceFailureKeepsLastMark(t *testing.T) {
	f := newTestLedger(t)
	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 10, "100")))

	f.mkt.err = market.ErrPriceUnavailable
	require.NoError(t, f.ledger.MarkToMarket(context.Background()))

	open := f.ledger.OpenPositionsSnapshot()
	require.Len(t, open, 1)
	assert.True(t, dec(t, "100").Equal(open[0].CurrentPrice))

	sess, _ := f.ledger.Session()
	assert.True(t, dec(t, "100000").Equal(sess.Equity()))
	assert.False(t, sess.NeedsReconciliation)
}

func TestInvariantDriftFlagsSession(t *testing.T) {
	b := bus.New(zerolog.Nop(), 0)
	t.Cleanup(b.Close)
	store := newMemStore()
	// A session whose balances do not add up to capital plus P&L, as a
	// buggy or manually edited store would produce.
	store.session = &Session{
		ID:             uuid.New(),
		InitialCapital: dec(t, "100000"),
		Cash:           dec(t, "50000"),
		Status:         SessionActive,
		StartedAt:      time.Now().UTC(),
	}

	led := NewLedger(store, &stubOrders{rows: map[uuid.UUID]*orders.Order{}},
		&fakeMkt{prices: map[string]decimal.Decimal{}}, b,
		config.ShadowConfig{InitialCash: 100000, DriftTolerance: 0.001}, zerolog.Nop())
	require.NoError(t, led.Load(context.Background()))

	breach := &eventCapture{}
	require.NoError(t, b.Subscribe(bus.TopicRiskLimitExceeded, "test_capture", breach.record))

	require.NoError(t, led.MarkToMarket(context.Background()))

	sess, _ := led.Session()
	assert.True(t, sess.NeedsReconciliation)
	require.Equal(t, 1, breach.count())
	assert.Equal(t, "shadow_cash_invariant", breach.events[0].Payload["check"])

	// The ledger flags, it never rewrites balances.
	assert.True(t, dec(t, "50000").Equal(sess.Cash))
}

func TestLoadRestoresStateAcrossRestart(t *testing.T) {
	f := newTestLedger(t)
	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 10, "100")))
	f.mkt.setPrice("AAPL", dec(t, "110"))
	require.NoError(t, f.ledger.MarkToMarket(context.Background()))

	// Same store, fresh ledger: the session, the open position, and the
	// applied fill keys all survive.
	reborn := NewLedger(f.store, f.orders, f.mkt, f.bus, config.ShadowConfig{
		InitialCash:    100000,
		DriftTolerance: 0.001,
	}, zerolog.Nop())
	require.NoError(t, reborn.Load(context.Background()))

	open := reborn.OpenPositionsSnapshot()
	require.Len(t, open, 1)
	assert.Equal(t, int64(10), open[0].Quantity)

	sess, _ := reborn.Session()
	assert.True(t, dec(t, "99000").Equal(sess.Cash))

	require.NoError(t, reborn.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 10, "100")))
	assert.Len(t, reborn.OpenPositionsSnapshot(), 1, "replayed fill key absorbed after restart")
}

func TestEquityCurveReplayRestoresDrawdown(t *testing.T) {
	f := newTestLedger(t)
	sess, _ := f.ledger.Session()
	for _, e := range []string{"100000", "110000", "99000"} {
		require.NoError(t, f.store.InsertEquityPoint(context.Background(), EquityPoint{
			SessionID: sess.ID,
			At:        time.Now().UTC(),
			Equity:    dec(t, e),
		}))
	}

	reborn := NewLedger(f.store, f.orders, f.mkt, f.bus, config.ShadowConfig{
		InitialCash: 100000,
	}, zerolog.Nop())
	require.NoError(t, reborn.Load(context.Background()))
	require.NoError(t, reborn.MarkToMarket(context.Background()))

	got, _ := reborn.Session()
	assert.InDelta(t, 0.1, got.MaxDrawdown, 1e-9)
}

func TestOrderFilledEventDrivesLedger(t *testing.T) {
	f := newTestLedger(t)
	require.NoError(t, f.ledger.Register(f.bus))

	ord := buyOrder("AAPL", "BRK-1", 43, "231.45")
	f.orders.rows[ord.ID] = ord

	require.NoError(t, f.bus.Publish(context.Background(), bus.TopicOrderFilled, map[string]interface{}{
		"order_id": ord.ID.String(),
		"ticker":   "AAPL",
	}))

	assert.Len(t, f.ledger.OpenPositionsSnapshot(), 1)
}

func TestPortfolioSnapshot(t *testing.T) {
	f := newTestLedger(t)
	require.NoError(t, f.ledger.ApplyFill(context.Background(), buyOrder("AAPL", "BRK-1", 10, "100")))
	f.mkt.setPrice("AAPL", dec(t, "120"))
	require.NoError(t, f.ledger.MarkToMarket(context.Background()))

	snap, err := f.ledger.PortfolioSnapshot(context.Background())
	require.NoError(t, err)

	assert.True(t, dec(t, "100200").Equal(snap.Equity))
	assert.True(t, dec(t, "99000").Equal(snap.Cash))
	require.Len(t, snap.Positions, 1)
	pos := snap.Positions[0]
	assert.Equal(t, "AAPL", pos.Ticker)
	assert.Equal(t, int64(10), pos.Quantity)
	assert.True(t, dec(t, "120").Equal(pos.CurrentPrice))
	assert.True(t, dec(t, "1200").Equal(pos.Notional))
	require.NotNil(t, pos.StopLoss)
	assert.True(t, dec(t, "220").Equal(*pos.StopLoss))
	assert.InDelta(t, 0.002, snap.DailyPnLPct, 1e-9)
}
