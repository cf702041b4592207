package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warroomhq/warroom/internal/signals"
)

// SignalRepository persists trade signals and their status flips.
type SignalRepository struct {
	pool Pool
}

func NewSignalRepository(pool Pool) *SignalRepository {
	return &SignalRepository{pool: pool}
}

// InsertSignal stores one admitted signal.
func (r *SignalRepository) InsertSignal(ctx context.Context, sig *signals.Signal) error {
	defer track("insert_signal", time.Now())

	query := `
		INSERT INTO signals (
			id, ticker, action, confidence, position_size_pct, quantity,
			entry, stop_loss, take_profit, reason, urgency, execution_type,
			source_article_id, deliberation_id, created_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.pool.Exec(ctx, query,
		sig.ID,
		sig.Ticker,
		sig.Action,
		sig.Confidence,
		sig.PositionSizePct,
		sig.Quantity,
		sig.Entry,
		sig.StopLoss,
		sig.TakeProfit,
		sig.Reason,
		sig.Urgency,
		sig.ExecutionType,
		sig.SourceArticleID,
		sig.DeliberationID,
		sig.CreatedAt,
		sig.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	return nil
}

// UpdateSignalStatus flips a signal's lifecycle status.
func (r *SignalRepository) UpdateSignalStatus(ctx context.Context, id uuid.UUID, status signals.Status) error {
	defer track("update_signal_status", time.Now())

	tag, err := r.pool.Exec(ctx,
		"UPDATE signals SET status = $2 WHERE id = $1", id, status)
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("signal %s not found", id)
	}

	return nil
}
