// Package shadow keeps the virtual portfolio. Every fill the order
// manager reports lands here as a paper position; the ledger is the
// system's only notion of holdings, cash, and performance.
package shadow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a shadow session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// PositionStatus marks a shadow position open or closed
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// ErrNoActiveSession means no session row is in the active state
var ErrNoActiveSession = errors.New("no active shadow session")

// Session is one virtual trading run. Exactly one session is active at
// a time; closed-position P&L is append-only.
type Session struct {
	ID             uuid.UUID
	InitialCapital decimal.Decimal
	Cash           decimal.Decimal
	Invested       decimal.Decimal
	RealizedPnL    decimal.Decimal
	TotalPnL       decimal.Decimal
	Wins           int
	Losses         int
	Status         SessionStatus
	StartedAt      time.Time

	// Sharpe, drawdown, and win rate are recomputed each mark-to-market
	// tick off the equity curve.
	Sharpe      float64
	MaxDrawdown float64
	WinRate     float64

	// NeedsReconciliation flags a cash-invariant breach. The ledger
	// never self-corrects; an operator clears the flag.
	NeedsReconciliation bool
}

// Equity returns cash plus open position value
func (s *Session) Equity() decimal.Decimal {
	return s.Cash.Add(s.Invested)
}

// Position is one virtual holding opened from a fill
type Position struct {
	ID           uuid.UUID
	SessionID    uuid.UUID
	OrderID      uuid.UUID
	BrokerID     string
	Ticker       string
	Quantity     int64
	EntryPrice   decimal.Decimal
	EntryAt      time.Time
	StopLoss     *decimal.Decimal
	TakeProfit   *decimal.Decimal
	CurrentPrice decimal.Decimal
	PnL          decimal.Decimal
	Status       PositionStatus
	ExitPrice    *decimal.Decimal
	ClosedAt     *time.Time
}

// MarketValue returns quantity times the last sampled price
func (p *Position) MarketValue() decimal.Decimal {
	return decimal.NewFromInt(p.Quantity).Mul(p.CurrentPrice)
}

// EquityPoint is one sample on the session's equity curve
type EquityPoint struct {
	SessionID uuid.UUID
	At        time.Time
	Equity    decimal.Decimal
	Cash      decimal.Decimal
	Invested  decimal.Decimal
}

// Store persists sessions, positions, and the equity curve. Implemented
// by the shadow repository.
type Store interface {
	ActiveSession(ctx context.Context) (*Session, error)
	InsertSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	OpenPositions(ctx context.Context, sessionID uuid.UUID) ([]*Position, error)
	InsertPosition(ctx context.Context, p *Position) error
	UpdatePosition(ctx context.Context, p *Position) error
	InsertEquityPoint(ctx context.Context, pt EquityPoint) error
	// EquityCurve returns up to limit of the most recent points,
	// oldest first.
	EquityCurve(ctx context.Context, sessionID uuid.UUID, limit int) ([]EquityPoint, error)
	// InsertFillKey records that a broker fill was applied, so replays
	// survive restarts even after the position it touched has closed.
	InsertFillKey(ctx context.Context, sessionID uuid.UUID, key string) error
	FillKeys(ctx context.Context, sessionID uuid.UUID) ([]string, error)
}
