package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warroomhq/warroom/internal/warroom"
)

// DeliberationRepository persists completed War Room cycles. A
// deliberation and its opinions land in one transaction; a half-written
// room never becomes visible.
type DeliberationRepository struct {
	pool Pool
}

func NewDeliberationRepository(pool Pool) *DeliberationRepository {
	return &DeliberationRepository{pool: pool}
}

// InsertDeliberation stores one deliberation with its opinions.
func (r *DeliberationRepository) InsertDeliberation(ctx context.Context, d *warroom.Deliberation) error {
	defer track("insert_deliberation", time.Now())

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
		INSERT INTO deliberations (
			id, symbol, trigger, weights_version, started_at, ended_at,
			final_action, final_confidence, disagreement, pm_verdict,
			reasoning, stop_loss, take_profit
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = tx.Exec(ctx, query,
		d.ID,
		d.Symbol,
		d.Trigger,
		d.WeightsVersion,
		d.StartedAt,
		d.EndedAt,
		d.FinalAction,
		d.FinalConfidence,
		d.Disagreement,
		d.PMVerdict,
		d.Reasoning,
		d.StopLoss,
		d.TakeProfit,
	)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to insert deliberation: %w", err)
	}

	opinionQuery := `
		INSERT INTO agent_opinions (
			id, deliberation_id, agent, action, confidence, reasoning,
			features, timed_out, latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for i := range d.Opinions {
		op := &d.Opinions[i]

		var features []byte
		if op.Features != nil {
			features, err = json.Marshal(op.Features)
			if err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("failed to marshal opinion features: %w", err)
			}
		}

		_, err = tx.Exec(ctx, opinionQuery,
			op.ID,
			op.DeliberationID,
			op.Agent,
			op.Action,
			op.Confidence,
			op.Reasoning,
			features,
			op.TimedOut,
			op.LatencyMs,
			op.CreatedAt,
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to insert opinion for agent %s: %w", op.Agent, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit deliberation: %w", err)
	}

	log.Debug().
		Str("deliberation_id", d.ID.String()).
		Str("symbol", d.Symbol).
		Int("opinions", len(d.Opinions)).
		Msg("Deliberation persisted")

	return nil
}
