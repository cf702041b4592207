package shadow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/market"
	"github.com/warroomhq/warroom/internal/metrics"
	"github.com/warroomhq/warroom/internal/signals"
	"github.com/warroomhq/warroom/internal/warroom"
)

const scanPriceTimeout = 2 * time.Second

// Submitter admits a signal into the execution flow. Implemented by the
// signal pipeline.
type Submitter interface {
	Submit(ctx context.Context, sig *signals.Signal) error
}

// Monitor watches open positions for protective-level crossings. A
// crossing emits a synthetic market SELL for the whole position, which
// skips deliberation entirely: by the time a stop is hit the decision
// was already made when the stop was set.
type Monitor struct {
	ledger *Ledger
	submit Submitter
	market market.Adapter
	bus    *bus.Bus
	logger zerolog.Logger
}

func NewMonitor(ledger *Ledger, submit Submitter, mkt market.Adapter, b *bus.Bus, logger zerolog.Logger) *Monitor {
	return &Monitor{
		ledger: ledger,
		submit: submit,
		market: mkt,
		bus:    b,
		logger: logger.With().Str("component", "stop_monitor").Logger(),
	}
}

// Scan samples a fresh price for every open position and fires an exit
// when a stop or target is crossed. A failed fetch falls back to the
// last mark so a feed blip cannot mask a crossing already on the books.
func (m *Monitor) Scan(ctx context.Context) error {
	for _, pos := range m.ledger.OpenPositionsSnapshot() {
		price := m.samplePrice(ctx, pos)
		if price.IsZero() {
			continue
		}

		switch {
		case pos.StopLoss != nil && price.LessThanOrEqual(*pos.StopLoss):
			metrics.StopLossTriggers.Inc()
			m.emitExit(ctx, pos, price, "stop_loss", *pos.StopLoss)
		case pos.TakeProfit != nil && price.GreaterThanOrEqual(*pos.TakeProfit):
			m.emitExit(ctx, pos, price, "take_profit", *pos.TakeProfit)
		}
	}
	return nil
}

func (m *Monitor) samplePrice(ctx context.Context, pos Position) decimal.Decimal {
	pctx, cancel := context.WithTimeout(ctx, scanPriceTimeout)
	defer cancel()
	price, err := m.market.Price(pctx, pos.Ticker, time.Time{})
	if err != nil {
		m.logger.Debug().Err(err).Str("ticker", pos.Ticker).
			Msg("price unavailable, scanning last mark")
		return pos.CurrentPrice
	}
	return price
}

func (m *Monitor) emitExit(ctx context.Context, pos Position, price decimal.Decimal, trigger string, level decimal.Decimal) {
	sig := &signals.Signal{
		ID:         uuid.New(),
		Ticker:     pos.Ticker,
		Action:     warroom.ActionSell,
		Confidence: 1.0,
		Quantity:   pos.Quantity,
		Entry:      price,
		Reason: fmt.Sprintf("%s crossed: price %s against level %s",
			trigger, price.String(), level.String()),
		Urgency:       signals.UrgencyHigh,
		ExecutionType: signals.ExecutionMarket,
		CreatedAt:     time.Now().UTC(),
		Status:        signals.StatusActive,
	}

	m.logger.Warn().Str("ticker", pos.Ticker).
		Str("trigger", trigger).
		Str("price", price.String()).
		Str("level", level.String()).
		Int64("quantity", pos.Quantity).
		Msg("protective level crossed, submitting exit")

	if trigger == "stop_loss" {
		if err := m.bus.Publish(ctx, bus.TopicPositionStopLoss, map[string]interface{}{
			"position_id": pos.ID.String(),
			"ticker":      pos.Ticker,
			"price":       price.String(),
			"level":       level.String(),
		}); err != nil {
			m.logger.Warn().Err(err).Msg("failed to publish stop crossing")
		}
	}

	if err := m.submit.Submit(ctx, sig); err != nil {
		m.logger.Error().Err(err).Str("ticker", pos.Ticker).
			Msg("failed to submit protective exit")
		metrics.RecordError("stop_exit_submit", "stop_monitor")
	}
}
