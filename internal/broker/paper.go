package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/config"
)

// PriceSource supplies the mid price paper fills execute against.
// Implemented by the market data service.
type PriceSource interface {
	Price(ctx context.Context, ticker string, at time.Time) (decimal.Decimal, error)
}

// PaperBroker simulates the venue for shadow trading. Market orders
// fill instantly at the current mid adjusted for slippage and taker
// fee; limit orders rest until a status check sees the mid cross the
// limit. Place is idempotent on the client order id.
type PaperBroker struct {
	prices   PriceSource
	slippage decimal.Decimal
	fee      decimal.Decimal
	logger   zerolog.Logger

	mu       sync.Mutex
	orders   map[string]*paperOrder
	byClient map[string]string
}

type paperOrder struct {
	req    PlaceRequest
	report StatusReport
}

func NewPaperBroker(prices PriceSource, cfg config.BrokerConfig, logger zerolog.Logger) *PaperBroker {
	b := &PaperBroker{
		prices:   prices,
		slippage: decimal.NewFromFloat(cfg.Slippage),
		fee:      decimal.NewFromFloat(cfg.TakerFee),
		orders:   make(map[string]*paperOrder),
		byClient: make(map[string]string),
		logger:   logger.With().Str("component", "paper_broker").Logger(),
	}

	b.logger.Info().
		Str("slippage", b.slippage.String()).
		Str("taker_fee", b.fee.String()).
		Msg("Paper broker initialized")

	return b
}

// Place submits one order. A resubmission with a known client order id
// returns the original broker id without creating a second order.
func (b *PaperBroker) Place(ctx context.Context, req PlaceRequest) (string, error) {
	if err := validatePlace(req); err != nil {
		return "", fmt.Errorf("%w: %s", ErrRejected, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if brokerID, ok := b.byClient[req.ClientOrderID]; ok {
		b.logger.Debug().
			Str("client_order_id", req.ClientOrderID).
			Str("broker_id", brokerID).
			Msg("Duplicate submission absorbed")
		return brokerID, nil
	}

	ord := &paperOrder{
		req: req,
		report: StatusReport{
			BrokerID:  uuid.New().String(),
			Status:    StatusPending,
			UpdatedAt: time.Now().UTC(),
		},
	}

	mid, err := b.prices.Price(ctx, req.Ticker, time.Time{})
	if err != nil {
		if req.Type == TypeMarket {
			// No price, no fill. The order is not recorded, so a
			// retried submission starts clean.
			return "", fmt.Errorf("failed to price %s for market order: %w", req.Ticker, err)
		}
		// A limit order can rest until the next status check.
		b.logger.Debug().Err(err).
			Str("ticker", req.Ticker).
			Msg("No price for resting limit order")
	} else {
		b.fillLocked(ord, mid)
	}

	b.orders[ord.report.BrokerID] = ord
	b.byClient[req.ClientOrderID] = ord.report.BrokerID

	b.logger.Info().
		Str("broker_id", ord.report.BrokerID).
		Str("ticker", req.Ticker).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Int64("quantity", req.Quantity).
		Str("status", string(ord.report.Status)).
		Msg("Paper order placed")

	return ord.report.BrokerID, nil
}

// Status reports the venue's view of one order. A resting limit order
// is re-checked against the current mid and fills once marketable.
func (b *PaperBroker) Status(ctx context.Context, brokerID string) (StatusReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ord, ok := b.orders[brokerID]
	if !ok {
		return StatusReport{}, ErrOrderNotFound
	}

	if ord.report.Status == StatusPending {
		mid, err := b.prices.Price(ctx, ord.req.Ticker, time.Time{})
		if err != nil {
			b.logger.Debug().Err(err).
				Str("broker_id", brokerID).
				Msg("Price unavailable, limit order stays pending")
		} else {
			b.fillLocked(ord, mid)
		}
	}

	return ord.report, nil
}

// Cancel cancels a resting order. Filled orders cannot be cancelled.
func (b *PaperBroker) Cancel(ctx context.Context, brokerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ord, ok := b.orders[brokerID]
	if !ok {
		return ErrOrderNotFound
	}
	if ord.report.Status != StatusPending {
		return fmt.Errorf("cannot cancel order in status %s", ord.report.Status)
	}

	ord.report.Status = StatusCancelled
	ord.report.UpdatedAt = time.Now().UTC()

	b.logger.Info().Str("broker_id", brokerID).Msg("Paper order cancelled")
	return nil
}

// fillLocked executes the order against the given mid if it is
// marketable. Market orders always are; a limit order must see the mid
// on its side of the limit.
func (b *PaperBroker) fillLocked(ord *paperOrder, mid decimal.Decimal) {
	executed := b.executionPrice(ord.req.Side, mid)

	if ord.req.Type == TypeLimit {
		limit := *ord.req.LimitPrice
		if ord.req.Side == SideBuy {
			if mid.GreaterThan(limit) {
				return
			}
			// Never pay through the limit.
			if executed.GreaterThan(limit) {
				executed = limit
			}
		} else {
			if mid.LessThan(limit) {
				return
			}
			if executed.LessThan(limit) {
				executed = limit
			}
		}
	}

	ord.report.Status = StatusFilled
	ord.report.FilledQty = ord.req.Quantity
	ord.report.AvgFillPrice = executed
	ord.report.UpdatedAt = time.Now().UTC()

	b.logger.Info().
		Str("broker_id", ord.report.BrokerID).
		Str("ticker", ord.req.Ticker).
		Int64("quantity", ord.req.Quantity).
		Str("fill_price", executed.String()).
		Msg("Paper order filled")
}

// executionPrice applies slippage and taker fee to the mid: buys pay
// up, sells receive less.
func (b *PaperBroker) executionPrice(side Side, mid decimal.Decimal) decimal.Decimal {
	adj := b.slippage.Add(b.fee)
	if side == SideBuy {
		return mid.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return mid.Mul(decimal.NewFromInt(1).Sub(adj))
}

func validatePlace(req PlaceRequest) error {
	if req.ClientOrderID == "" {
		return fmt.Errorf("client order id is required")
	}
	if req.Ticker == "" {
		return fmt.Errorf("ticker is required")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("invalid order side: %s", req.Side)
	}
	if req.Type != TypeMarket && req.Type != TypeLimit {
		return fmt.Errorf("invalid order type: %s", req.Type)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if req.Type == TypeLimit && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()) {
		return fmt.Errorf("limit orders must carry a positive limit price")
	}
	return nil
}
