package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warroomhq/warroom/internal/news"
)

// InterpretationRepository persists LLM interpretations and their
// verified reactions.
type InterpretationRepository struct {
	pool Pool
}

func NewInterpretationRepository(pool Pool) *InterpretationRepository {
	return &InterpretationRepository{pool: pool}
}

// InsertInterpretation stores one interpretation, idempotent on
// (article, ticker). A replay adopts the existing row: the caller's ID
// is overwritten with the canonical one so downstream scheduling keys
// on the row that actually exists.
func (r *InterpretationRepository) InsertInterpretation(ctx context.Context, in *news.Interpretation) error {
	defer track("insert_interpretation", time.Now())

	query := `
		INSERT INTO interpretations (
			id, article_id, ticker, sentiment, impact_score, actionable,
			predicted_direction, predicted_magnitude, time_horizon,
			confidence, price_at_prediction, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (article_id, ticker) DO UPDATE SET ticker = EXCLUDED.ticker
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		in.ID,
		in.ArticleID,
		in.Ticker,
		in.Sentiment,
		in.ImpactScore,
		in.Actionable,
		in.PredictedDirection,
		in.PredictedMagnitude,
		in.TimeHorizon,
		in.Confidence,
		in.PriceAtPrediction,
		in.CreatedAt,
	).Scan(&in.ID, &in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert interpretation: %w", err)
	}

	return nil
}

// Interpretation loads one interpretation by id.
func (r *InterpretationRepository) Interpretation(ctx context.Context, id uuid.UUID) (*news.Interpretation, error) {
	defer track("get_interpretation", time.Now())

	query := `
		SELECT id, article_id, ticker, sentiment, impact_score, actionable,
			predicted_direction, predicted_magnitude, time_horizon,
			confidence, price_at_prediction, created_at
		FROM interpretations
		WHERE id = $1
	`

	var in news.Interpretation
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&in.ID, &in.ArticleID, &in.Ticker, &in.Sentiment, &in.ImpactScore,
		&in.Actionable, &in.PredictedDirection, &in.PredictedMagnitude,
		&in.TimeHorizon, &in.Confidence, &in.PriceAtPrediction, &in.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load interpretation %s: %w", id, err)
	}

	return &in, nil
}

// InsertReaction stores one realized outcome. The (interpretation,
// horizon) primary key makes a replayed verification a no-op.
func (r *InterpretationRepository) InsertReaction(ctx context.Context, reaction *news.Reaction) error {
	defer track("insert_reaction", time.Now())

	query := `
		INSERT INTO reactions (
			interpretation_id, horizon, actual_direction, actual_magnitude,
			price_after, accuracy, verified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (interpretation_id, horizon) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		reaction.InterpretationID,
		reaction.Horizon,
		reaction.ActualDirection,
		reaction.ActualMagnitude,
		reaction.PriceAfter,
		reaction.Accuracy,
		reaction.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reaction: %w", err)
	}

	return nil
}

// AccuracySamples returns the accuracy of every reaction verified at one
// horizon since the cutoff.
func (r *InterpretationRepository) AccuracySamples(ctx context.Context, horizon news.Horizon, since time.Time) ([]float64, error) {
	defer track("accuracy_samples", time.Now())

	query := `
		SELECT accuracy FROM reactions
		WHERE horizon = $1 AND verified_at >= $2
	`

	rows, err := r.pool.Query(ctx, query, horizon, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query accuracy samples: %w", err)
	}
	defer rows.Close()

	var samples []float64
	for rows.Next() {
		var acc float64
		if err := rows.Scan(&acc); err != nil {
			return nil, fmt.Errorf("failed to scan accuracy sample: %w", err)
		}
		samples = append(samples, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read accuracy samples: %w", err)
	}

	return samples, nil
}
