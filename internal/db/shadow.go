package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/warroomhq/warroom/internal/shadow"
)

// ShadowRepository persists the virtual portfolio: sessions, positions,
// the equity curve, and the applied-fill keys that make fill replays
// harmless across restarts.
type ShadowRepository struct {
	pool Pool
}

func NewShadowRepository(pool Pool) *ShadowRepository {
	return &ShadowRepository{pool: pool}
}

const sessionColumns = `id, initial_capital, cash, invested, realized_pnl,
	total_pnl, wins, losses, status, started_at, sharpe, max_drawdown,
	win_rate, needs_reconciliation`

// ActiveSession returns the single active session, or
// shadow.ErrNoActiveSession.
func (r *ShadowRepository) ActiveSession(ctx context.Context) (*shadow.Session, error) {
	defer track("active_session", time.Now())

	query := `SELECT ` + sessionColumns + ` FROM shadow_sessions WHERE status = 'active' ORDER BY started_at DESC LIMIT 1`

	var s shadow.Session
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.ID, &s.InitialCapital, &s.Cash, &s.Invested, &s.RealizedPnL,
		&s.TotalPnL, &s.Wins, &s.Losses, &s.Status, &s.StartedAt,
		&s.Sharpe, &s.MaxDrawdown, &s.WinRate, &s.NeedsReconciliation,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shadow.ErrNoActiveSession
		}
		return nil, fmt.Errorf("failed to load active session: %w", err)
	}
	return &s, nil
}

// InsertSession stores a new session row.
func (r *ShadowRepository) InsertSession(ctx context.Context, s *shadow.Session) error {
	defer track("insert_session", time.Now())

	query := `
		INSERT INTO shadow_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.pool.Exec(ctx, query,
		s.ID, s.InitialCapital, s.Cash, s.Invested, s.RealizedPnL,
		s.TotalPnL, s.Wins, s.Losses, s.Status, s.StartedAt,
		s.Sharpe, s.MaxDrawdown, s.WinRate, s.NeedsReconciliation,
	)
	if err != nil {
		return fmt.Errorf("failed to insert shadow session: %w", err)
	}
	return nil
}

// UpdateSession persists a session's running balances and stats.
func (r *ShadowRepository) UpdateSession(ctx context.Context, s *shadow.Session) error {
	defer track("update_session", time.Now())

	query := `
		UPDATE shadow_sessions
		SET cash = $2,
			invested = $3,
			realized_pnl = $4,
			total_pnl = $5,
			wins = $6,
			losses = $7,
			status = $8,
			sharpe = $9,
			max_drawdown = $10,
			win_rate = $11,
			needs_reconciliation = $12
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		s.ID, s.Cash, s.Invested, s.RealizedPnL, s.TotalPnL,
		s.Wins, s.Losses, s.Status, s.Sharpe, s.MaxDrawdown,
		s.WinRate, s.NeedsReconciliation,
	)
	if err != nil {
		return fmt.Errorf("failed to update shadow session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("shadow session %s not found", s.ID)
	}
	return nil
}

const positionColumns = `id, session_id, order_id, broker_id, ticker,
	quantity, entry_price, entry_at, stop_loss, take_profit,
	current_price, pnl, status, exit_price, closed_at`

// OpenPositions lists a session's open positions, oldest entry first.
func (r *ShadowRepository) OpenPositions(ctx context.Context, sessionID uuid.UUID) ([]*shadow.Position, error) {
	defer track("open_positions", time.Now())

	query := `SELECT ` + positionColumns + ` FROM shadow_positions WHERE session_id = $1 AND status = 'open' ORDER BY entry_at`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var open []*shadow.Position
	for rows.Next() {
		var p shadow.Position
		err := rows.Scan(
			&p.ID, &p.SessionID, &p.OrderID, &p.BrokerID, &p.Ticker,
			&p.Quantity, &p.EntryPrice, &p.EntryAt, &p.StopLoss,
			&p.TakeProfit, &p.CurrentPrice, &p.PnL, &p.Status,
			&p.ExitPrice, &p.ClosedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shadow position: %w", err)
		}
		open = append(open, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read open positions: %w", err)
	}

	return open, nil
}

// InsertPosition stores a new position row.
func (r *ShadowRepository) InsertPosition(ctx context.Context, p *shadow.Position) error {
	defer track("insert_position", time.Now())

	query := `
		INSERT INTO shadow_positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.pool.Exec(ctx, query,
		p.ID, p.SessionID, p.OrderID, p.BrokerID, p.Ticker,
		p.Quantity, p.EntryPrice, p.EntryAt, p.StopLoss, p.TakeProfit,
		p.CurrentPrice, p.PnL, p.Status, p.ExitPrice, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert shadow position: %w", err)
	}
	return nil
}

// UpdatePosition persists a position's marks and lifecycle fields.
func (r *ShadowRepository) UpdatePosition(ctx context.Context, p *shadow.Position) error {
	defer track("update_position", time.Now())

	query := `
		UPDATE shadow_positions
		SET quantity = $2,
			stop_loss = $3,
			take_profit = $4,
			current_price = $5,
			pnl = $6,
			status = $7,
			exit_price = $8,
			closed_at = $9
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		p.ID, p.Quantity, p.StopLoss, p.TakeProfit, p.CurrentPrice,
		p.PnL, p.Status, p.ExitPrice, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update shadow position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("shadow position %s not found", p.ID)
	}
	return nil
}

// InsertEquityPoint appends one equity-curve sample. A replayed sample
// at the same instant is dropped.
func (r *ShadowRepository) InsertEquityPoint(ctx context.Context, pt shadow.EquityPoint) error {
	defer track("insert_equity_point", time.Now())

	query := `
		INSERT INTO shadow_equity_points (session_id, sampled_at, equity, cash, invested)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, sampled_at) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, pt.SessionID, pt.At, pt.Equity, pt.Cash, pt.Invested)
	if err != nil {
		return fmt.Errorf("failed to insert equity point: %w", err)
	}
	return nil
}

// EquityCurve returns up to limit of the most recent points, oldest
// first.
func (r *ShadowRepository) EquityCurve(ctx context.Context, sessionID uuid.UUID, limit int) ([]shadow.EquityPoint, error) {
	defer track("equity_curve", time.Now())

	query := `
		SELECT session_id, sampled_at, equity, cash, invested FROM (
			SELECT session_id, sampled_at, equity, cash, invested
			FROM shadow_equity_points
			WHERE session_id = $1
			ORDER BY sampled_at DESC
			LIMIT $2
		) recent
		ORDER BY sampled_at
	`

	rows, err := r.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query equity curve: %w", err)
	}
	defer rows.Close()

	var curve []shadow.EquityPoint
	for rows.Next() {
		var pt shadow.EquityPoint
		if err := rows.Scan(&pt.SessionID, &pt.At, &pt.Equity, &pt.Cash, &pt.Invested); err != nil {
			return nil, fmt.Errorf("failed to scan equity point: %w", err)
		}
		curve = append(curve, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read equity curve: %w", err)
	}

	return curve, nil
}

// InsertFillKey records that a broker fill was applied to the ledger.
func (r *ShadowRepository) InsertFillKey(ctx context.Context, sessionID uuid.UUID, key string) error {
	defer track("insert_fill_key", time.Now())

	query := `
		INSERT INTO shadow_fill_keys (session_id, fill_key, applied_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id, fill_key) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query, sessionID, key)
	if err != nil {
		return fmt.Errorf("failed to insert fill key: %w", err)
	}
	return nil
}

// FillKeys returns every applied fill key for a session.
func (r *ShadowRepository) FillKeys(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	defer track("fill_keys", time.Now())

	rows, err := r.pool.Query(ctx,
		"SELECT fill_key FROM shadow_fill_keys WHERE session_id = $1 ORDER BY applied_at", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fill keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan fill key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fill keys: %w", err)
	}

	return keys, nil
}
