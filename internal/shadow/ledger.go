package shadow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/market"
	"github.com/warroomhq/warroom/internal/metrics"
	"github.com/warroomhq/warroom/internal/orders"
	"github.com/warroomhq/warroom/internal/risk"
)

// statsWindow caps how much of the stored equity curve is replayed at
// boot to rebuild Sharpe and drawdown: one week of minute samples.
const statsWindow = 10080

const mtmPriceTimeout = 3 * time.Second

// OrderSource loads orders referenced by fill events.
type OrderSource interface {
	Get(ctx context.Context, id uuid.UUID) (*orders.Order, error)
}

// Ledger is the virtual portfolio. It consumes fill events, marks open
// positions to market once a minute, and serves as the portfolio source
// for risk snapshots. All money movement is derived from fills; the
// ledger never places orders itself.
type Ledger struct {
	store  Store
	orders OrderSource
	market market.Adapter
	bus    *bus.Bus
	logger zerolog.Logger

	initialCash    decimal.Decimal
	driftTolerance decimal.Decimal

	mu             sync.Mutex
	session        *Session
	open           []*Position
	byOrder        map[uuid.UUID]*Position
	seenFills      map[string]struct{}
	stats          *EquityStats
	dayStart       time.Time
	dayStartEquity decimal.Decimal
}

// NewLedger builds a ledger over the given store. Call Load before
// wiring it into the scheduler or the bus.
func NewLedger(store Store, src OrderSource, mkt market.Adapter, b *bus.Bus, cfg config.ShadowConfig, logger zerolog.Logger) *Ledger {
	cash := cfg.InitialCash
	if cash <= 0 {
		cash = 100000
	}
	tol := cfg.DriftTolerance
	if tol <= 0 {
		tol = 0.001
	}
	return &Ledger{
		store:          store,
		orders:         src,
		market:         mkt,
		bus:            b,
		logger:         logger.With().Str("component", "shadow_ledger").Logger(),
		initialCash:    decimal.NewFromFloat(cash),
		driftTolerance: decimal.NewFromFloat(tol),
		byOrder:        make(map[uuid.UUID]*Position),
		seenFills:      make(map[string]struct{}),
		stats:          &EquityStats{},
	}
}

// Load restores the active session, its open positions, the fill keys
// already applied, and replays the stored equity curve into the running
// statistics. A fresh session is created when none is active.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := l.store.ActiveSession(ctx)
	switch {
	case errors.Is(err, ErrNoActiveSession):
		sess = &Session{
			ID:             uuid.New(),
			InitialCapital: l.initialCash,
			Cash:           l.initialCash,
			Status:         SessionActive,
			StartedAt:      time.Now().UTC(),
		}
		if err := l.store.InsertSession(ctx, sess); err != nil {
			return fmt.Errorf("failed to create shadow session: %w", err)
		}
		l.logger.Info().Str("session_id", sess.ID.String()).
			Str("initial_capital", sess.InitialCapital.String()).
			Msg("shadow session started")
	case err != nil:
		return fmt.Errorf("failed to load shadow session: %w", err)
	}
	l.session = sess

	open, err := l.store.OpenPositions(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load open shadow positions: %w", err)
	}
	l.open = open
	l.byOrder = make(map[uuid.UUID]*Position, len(open))
	for _, pos := range open {
		l.byOrder[pos.OrderID] = pos
	}

	keys, err := l.store.FillKeys(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load applied fill keys: %w", err)
	}
	l.seenFills = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		l.seenFills[k] = struct{}{}
	}

	curve, err := l.store.EquityCurve(ctx, sess.ID, statsWindow)
	if err != nil {
		return fmt.Errorf("failed to load equity curve: %w", err)
	}
	l.stats = &EquityStats{}
	for _, pt := range curve {
		l.stats.Observe(pt.Equity.InexactFloat64())
	}

	l.refreshInvested()
	l.rollDay(time.Now().UTC())
	l.setGauges()

	l.logger.Info().Str("session_id", sess.ID.String()).
		Int("open_positions", len(open)).
		Int("equity_points", len(curve)).
		Msg("shadow ledger loaded")
	return nil
}

// Register subscribes the ledger to fill events.
func (l *Ledger) Register(b *bus.Bus) error {
	return b.Subscribe(bus.TopicOrderFilled, "shadow_ledger", l.onOrderFilled)
}

func (l *Ledger) onOrderFilled(ctx context.Context, evt bus.Event) error {
	raw, _ := evt.Payload["order_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("order_filled event carries no usable order id: %w", err)
	}
	ord, err := l.orders.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load filled order %s: %w", id, err)
	}
	return l.ApplyFill(ctx, ord)
}

// ApplyFill books one fill into the portfolio. Replays are absorbed:
// each fill is keyed by broker order id and applied at most once, so
// recovery re-driving the same event is a no-op.
func (l *Ledger) ApplyFill(ctx context.Context, ord *orders.Order) error {
	if ord.FilledQty <= 0 || ord.FilledPrice == nil {
		return fmt.Errorf("order %s reported filled without fill data", ord.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return ErrNoActiveSession
	}

	switch ord.Side {
	case orders.SideBuy:
		return l.applyBuy(ctx, ord)
	case orders.SideSell:
		return l.applySell(ctx, ord)
	default:
		return fmt.Errorf("order %s has unknown side %q", ord.ID, ord.Side)
	}
}

func (l *Ledger) applyBuy(ctx context.Context, ord *orders.Order) error {
	// A partial fill may have opened the position already; the full
	// fill for the same order grows it. Check before the replay guard
	// so progression is not mistaken for a duplicate.
	if pos, ok := l.byOrder[ord.ID]; ok {
		return l.growPosition(ctx, pos, ord)
	}
	key := fillKey(ord)
	if _, seen := l.seenFills[key]; seen {
		l.logger.Debug().Str("fill_key", key).Msg("duplicate fill absorbed")
		return nil
	}

	price := *ord.FilledPrice
	notional := decimal.NewFromInt(ord.FilledQty).Mul(price)
	stop, target := exitLevels(ord)
	pos := &Position{
		ID:           uuid.New(),
		SessionID:    l.session.ID,
		OrderID:      ord.ID,
		BrokerID:     key,
		Ticker:       ord.Ticker,
		Quantity:     ord.FilledQty,
		EntryPrice:   price,
		EntryAt:      time.Now().UTC(),
		StopLoss:     stop,
		TakeProfit:   target,
		CurrentPrice: price,
		Status:       PositionOpen,
	}
	if err := l.store.InsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("failed to persist shadow position: %w", err)
	}

	l.session.Cash = l.session.Cash.Sub(notional)
	l.open = append(l.open, pos)
	l.byOrder[ord.ID] = pos
	l.recordFillKey(ctx, key)
	l.refreshInvested()
	l.persistSession(ctx)
	l.setGauges()

	l.logger.Info().Str("position_id", pos.ID.String()).
		Str("ticker", pos.Ticker).
		Int64("quantity", pos.Quantity).
		Str("entry_price", price.String()).
		Str("cash", l.session.Cash.String()).
		Msg("shadow position opened")

	if err := l.bus.Publish(ctx, bus.TopicPositionOpened, map[string]interface{}{
		"position_id": pos.ID.String(),
		"order_id":    ord.ID.String(),
		"ticker":      pos.Ticker,
		"quantity":    pos.Quantity,
		"entry_price": price.String(),
	}); err != nil {
		l.logger.Warn().Err(err).Msg("failed to publish position_opened")
	}
	return nil
}

// growPosition moves a partially opened position to the order's latest
// fill state. The order carries cumulative quantity and average price,
// so the position is restated rather than appended to.
func (l *Ledger) growPosition(ctx context.Context, pos *Position, ord *orders.Order) error {
	if ord.FilledQty <= pos.Quantity {
		return nil
	}
	avg := *ord.FilledPrice
	oldNotional := decimal.NewFromInt(pos.Quantity).Mul(pos.EntryPrice)
	newNotional := decimal.NewFromInt(ord.FilledQty).Mul(avg)

	pos.Quantity = ord.FilledQty
	pos.EntryPrice = avg
	pos.CurrentPrice = avg
	pos.PnL = decimal.Zero
	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("failed to update shadow position %s: %w", pos.ID, err)
	}

	l.session.Cash = l.session.Cash.Add(oldNotional).Sub(newNotional)
	l.refreshInvested()
	l.persistSession(ctx)
	l.setGauges()

	l.logger.Info().Str("position_id", pos.ID.String()).
		Str("ticker", pos.Ticker).
		Int64("quantity", pos.Quantity).
		Str("avg_price", avg.String()).
		Msg("shadow position grown to full fill")
	return nil
}

func (l *Ledger) applySell(ctx context.Context, ord *orders.Order) error {
	key := fillKey(ord)
	if _, seen := l.seenFills[key]; seen {
		l.logger.Debug().Str("fill_key", key).Msg("duplicate fill absorbed")
		return nil
	}

	price := *ord.FilledPrice
	remaining := ord.FilledQty
	now := time.Now().UTC()
	var kept []*Position

	for _, pos := range l.open {
		if remaining <= 0 || pos.Ticker != ord.Ticker {
			kept = append(kept, pos)
			continue
		}
		take := remaining
		if take > pos.Quantity {
			take = pos.Quantity
		}
		proceeds := decimal.NewFromInt(take).Mul(price)
		realized := price.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(take))

		l.session.Cash = l.session.Cash.Add(proceeds)
		l.session.RealizedPnL = l.session.RealizedPnL.Add(realized)
		remaining -= take

		if take == pos.Quantity {
			pos.Status = PositionClosed
			pos.ExitPrice = &price
			pos.ClosedAt = &now
			pos.CurrentPrice = price
			pos.PnL = realized
			delete(l.byOrder, pos.OrderID)
			// Partial trims accrue P&L but only a full close decides
			// a win or a loss.
			if realized.IsPositive() {
				l.session.Wins++
			} else if realized.IsNegative() {
				l.session.Losses++
			}
		} else {
			pos.Quantity -= take
			kept = append(kept, pos)
		}
		if err := l.store.UpdatePosition(ctx, pos); err != nil {
			l.logger.Error().Err(err).Str("position_id", pos.ID.String()).
				Msg("failed to persist shadow position close")
			metrics.RecordError("position_update", "shadow_ledger")
		}

		l.logger.Info().Str("position_id", pos.ID.String()).
			Str("ticker", pos.Ticker).
			Int64("closed_qty", take).
			Str("exit_price", price.String()).
			Str("realized_pnl", realized.String()).
			Msg("shadow position closed")

		if err := l.bus.Publish(ctx, bus.TopicPositionClosed, map[string]interface{}{
			"position_id":  pos.ID.String(),
			"order_id":     ord.ID.String(),
			"ticker":       pos.Ticker,
			"quantity":     take,
			"exit_price":   price.String(),
			"realized_pnl": realized.String(),
		}); err != nil {
			l.logger.Warn().Err(err).Msg("failed to publish position_closed")
		}
	}
	l.open = kept

	if remaining > 0 {
		// Sold more than the ledger holds. No cash is invented for the
		// unmatched shares; flag the session instead.
		l.session.NeedsReconciliation = true
		metrics.RecordError("unmatched_sell_fill", "shadow_ledger")
		l.logger.Warn().Str("ticker", ord.Ticker).
			Int64("unmatched_qty", remaining).
			Str("order_id", ord.ID.String()).
			Msg("sell fill exceeds shadow holdings, session needs reconciliation")
	}

	l.recordFillKey(ctx, key)
	l.refreshInvested()
	l.session.WinRate = winRate(l.session)
	l.persistSession(ctx)
	l.setGauges()
	return nil
}

func (l *Ledger) recordFillKey(ctx context.Context, key string) {
	l.seenFills[key] = struct{}{}
	if err := l.store.InsertFillKey(ctx, l.session.ID, key); err != nil {
		l.logger.Error().Err(err).Str("fill_key", key).
			Msg("failed to persist fill key")
		metrics.RecordError("fill_key", "shadow_ledger")
	}
}

// MarkToMarket samples a fresh price for every open position, restates
// unrealized P&L and session equity, records one equity point, and
// verifies the cash invariant. Positions whose price fetch fails keep
// their last sample.
func (l *Ledger) MarkToMarket(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return ErrNoActiveSession
	}

	for _, pos := range l.open {
		pctx, cancel := context.WithTimeout(ctx, mtmPriceTimeout)
		price, err := l.market.Price(pctx, pos.Ticker, time.Time{})
		cancel()
		if err != nil {
			l.logger.Warn().Err(err).Str("ticker", pos.Ticker).
				Msg("price unavailable, keeping last mark")
			continue
		}
		pos.CurrentPrice = price
		pos.PnL = price.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Quantity))
		if err := l.store.UpdatePosition(ctx, pos); err != nil {
			l.logger.Error().Err(err).Str("position_id", pos.ID.String()).
				Msg("failed to persist mark")
		}
	}

	l.refreshInvested()
	now := time.Now().UTC()
	l.rollDay(now)
	equity := l.session.Equity()

	l.stats.Observe(equity.InexactFloat64())
	l.session.Sharpe = l.stats.Sharpe()
	l.session.MaxDrawdown = l.stats.MaxDrawdown()
	l.session.WinRate = winRate(l.session)

	if err := l.store.InsertEquityPoint(ctx, EquityPoint{
		SessionID: l.session.ID,
		At:        now,
		Equity:    equity,
		Cash:      l.session.Cash,
		Invested:  l.session.Invested,
	}); err != nil {
		l.logger.Error().Err(err).Msg("failed to record equity point")
		metrics.RecordError("equity_point", "shadow_ledger")
	}

	l.checkInvariant(ctx, equity)
	l.persistSession(ctx)
	l.setGauges()
	return nil
}

// checkInvariant compares cash plus open value against initial capital
// plus total P&L. Drift beyond tolerance flags the session for manual
// reconciliation; the ledger never adjusts balances to hide it.
func (l *Ledger) checkInvariant(ctx context.Context, equity decimal.Decimal) {
	var unrealized decimal.Decimal
	for _, pos := range l.open {
		unrealized = unrealized.Add(pos.PnL)
	}
	l.session.TotalPnL = l.session.RealizedPnL.Add(unrealized)

	expected := l.session.InitialCapital.Add(l.session.TotalPnL)
	if expected.IsZero() {
		return
	}
	drift := equity.Sub(expected).Abs().Div(expected.Abs())
	if drift.LessThanOrEqual(l.driftTolerance) {
		return
	}

	l.session.NeedsReconciliation = true
	metrics.RecordError("cash_invariant_drift", "shadow_ledger")
	l.logger.Warn().
		Str("equity", equity.String()).
		Str("expected", expected.String()).
		Str("drift", drift.String()).
		Msg("shadow equity drifted from booked P&L, session needs reconciliation")

	if err := l.bus.Publish(ctx, bus.TopicRiskLimitExceeded, map[string]interface{}{
		"check":    "shadow_cash_invariant",
		"equity":   equity.String(),
		"expected": expected.String(),
		"drift":    drift.String(),
	}); err != nil {
		l.logger.Warn().Err(err).Msg("failed to publish invariant breach")
	}
}

// PortfolioSnapshot implements risk.PortfolioSource off the live ledger
// state.
func (l *Ledger) PortfolioSnapshot(ctx context.Context) (risk.PortfolioSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return risk.PortfolioSnapshot{}, ErrNoActiveSession
	}

	snap := risk.PortfolioSnapshot{
		Equity:    l.session.Equity(),
		Cash:      l.session.Cash,
		Positions: make([]risk.PositionSummary, 0, len(l.open)),
	}
	for _, pos := range l.open {
		snap.Positions = append(snap.Positions, risk.PositionSummary{
			Ticker:       pos.Ticker,
			Quantity:     pos.Quantity,
			EntryPrice:   pos.EntryPrice,
			CurrentPrice: pos.CurrentPrice,
			Notional:     pos.MarketValue(),
			StopLoss:     pos.StopLoss,
		})
	}
	if l.dayStartEquity.IsPositive() {
		snap.DailyPnLPct = snap.Equity.Sub(l.dayStartEquity).
			Div(l.dayStartEquity).InexactFloat64()
	}
	return snap, nil
}

// OpenPositionsSnapshot returns copies of the open positions for
// read-only scans.
func (l *Ledger) OpenPositionsSnapshot() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Position, 0, len(l.open))
	for _, pos := range l.open {
		out = append(out, *pos)
	}
	return out
}

// Session returns a copy of the current session state.
func (l *Ledger) Session() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return Session{}, false
	}
	return *l.session, true
}

func (l *Ledger) refreshInvested() {
	var invested decimal.Decimal
	for _, pos := range l.open {
		invested = invested.Add(pos.MarketValue())
	}
	l.session.Invested = invested
}

func (l *Ledger) persistSession(ctx context.Context) {
	if err := l.store.UpdateSession(ctx, l.session); err != nil {
		// Memory stays authoritative; the next tick retries the write.
		l.logger.Error().Err(err).Msg("failed to persist shadow session")
		metrics.RecordError("session_update", "shadow_ledger")
	}
}

func (l *Ledger) rollDay(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if l.dayStart.Equal(day) {
		return
	}
	l.dayStart = day
	l.dayStartEquity = l.session.Equity()
}

func (l *Ledger) setGauges() {
	metrics.ShadowEquity.Set(l.session.Equity().InexactFloat64())
	metrics.ShadowCash.Set(l.session.Cash.InexactFloat64())
	metrics.ShadowOpenPositions.Set(float64(len(l.open)))
	metrics.ShadowRealizedPnL.Set(l.session.RealizedPnL.InexactFloat64())
	metrics.ShadowWinRate.Set(l.session.WinRate)
	metrics.ShadowMaxDrawdown.Set(l.session.MaxDrawdown)
	metrics.ShadowSharpeRatio.Set(l.session.Sharpe)
	for _, pos := range l.open {
		metrics.PositionValueByTicker.WithLabelValues(pos.Ticker).
			Set(pos.MarketValue().InexactFloat64())
	}
}

func winRate(s *Session) float64 {
	decided := s.Wins + s.Losses
	if decided == 0 {
		return 0
	}
	return float64(s.Wins) / float64(decided)
}

// fillKey identifies a fill for exactly-once application. The broker
// order id survives restarts; orders that never reached a venue fall
// back to the internal id.
func fillKey(ord *orders.Order) string {
	if ord.BrokerID != nil && *ord.BrokerID != "" {
		return *ord.BrokerID
	}
	return ord.ID.String()
}

// exitLevels pulls the protective levels the signal carried, if any.
func exitLevels(ord *orders.Order) (stop, target *decimal.Decimal) {
	stage := ord.Stage(orders.StageSignalData)
	if stage == nil {
		return nil, nil
	}
	if raw, ok := stage["stop_loss"].(string); ok {
		if d, err := decimal.NewFromString(raw); err == nil {
			stop = &d
		}
	}
	if raw, ok := stage["take_profit"].(string); ok {
		if d, err := decimal.NewFromString(raw); err == nil {
			target = &d
		}
	}
	return stop, target
}
