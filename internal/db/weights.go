package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/warroomhq/warroom/internal/learning"
	"github.com/warroomhq/warroom/internal/warroom"
)

// WeightRepository loads and appends agent weight versions. History is
// append-only; a version number is never rewritten.
type WeightRepository struct {
	pool Pool
}

func NewWeightRepository(pool Pool) *WeightRepository {
	return &WeightRepository{pool: pool}
}

// CurrentWeights returns the newest weights version, or
// learning.ErrNoWeights when none exists.
func (r *WeightRepository) CurrentWeights(ctx context.Context) (warroom.AgentWeights, error) {
	defer track("current_weights", time.Now())

	query := `
		SELECT version, effective_at, weights, reason, actor
		FROM agent_weights
		ORDER BY version DESC
		LIMIT 1
	`
	return r.scanVersion(r.pool.QueryRow(ctx, query))
}

// WeightsAsOf returns the newest version effective strictly before the
// cutoff, or learning.ErrNoWeights.
func (r *WeightRepository) WeightsAsOf(ctx context.Context, cutoff time.Time) (warroom.AgentWeights, error) {
	defer track("weights_as_of", time.Now())

	query := `
		SELECT version, effective_at, weights, reason, actor
		FROM agent_weights
		WHERE effective_at < $1
		ORDER BY version DESC
		LIMIT 1
	`
	return r.scanVersion(r.pool.QueryRow(ctx, query, cutoff))
}

func (r *WeightRepository) scanVersion(row pgx.Row) (warroom.AgentWeights, error) {
	var (
		w   warroom.AgentWeights
		raw []byte
	)
	err := row.Scan(&w.Version, &w.EffectiveAt, &raw, &w.Reason, &w.Actor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return warroom.AgentWeights{}, learning.ErrNoWeights
		}
		return warroom.AgentWeights{}, fmt.Errorf("failed to load weights version: %w", err)
	}
	if err := json.Unmarshal(raw, &w.Weights); err != nil {
		return warroom.AgentWeights{}, fmt.Errorf("failed to decode weights version %d: %w", w.Version, err)
	}
	return w, nil
}

// InsertWeights appends one weights version. A version-number collision
// surfaces as an error; versions are never overwritten.
func (r *WeightRepository) InsertWeights(ctx context.Context, w *warroom.AgentWeights) error {
	defer track("insert_weights", time.Now())

	raw, err := json.Marshal(w.Weights)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}

	query := `
		INSERT INTO agent_weights (version, effective_at, weights, reason, actor)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = r.pool.Exec(ctx, query, w.Version, w.EffectiveAt, raw, w.Reason, w.Actor)
	if err != nil {
		return fmt.Errorf("failed to insert weights version %d: %w", w.Version, err)
	}

	log.Info().
		Int("version", w.Version).
		Str("actor", w.Actor).
		Str("reason", w.Reason).
		Msg("Agent weights version appended")

	return nil
}

// EnsureDefaultWeights seeds version 1 with a uniform distribution over
// the agent roster when no weights exist yet. Idempotent; a populated
// table is left alone.
func (r *WeightRepository) EnsureDefaultWeights(ctx context.Context, agents []string) error {
	_, err := r.CurrentWeights(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, learning.ErrNoWeights) {
		return err
	}
	if len(agents) == 0 {
		return fmt.Errorf("cannot seed weights for an empty agent roster")
	}

	weights := uniformWeights(agents)
	seed := warroom.AgentWeights{
		Version:     1,
		EffectiveAt: time.Now().UTC(),
		Weights:     weights,
		Reason:      "initial seed",
		Actor:       "system",
	}
	if err := seed.Validate(); err != nil {
		return fmt.Errorf("seed weights invalid for %d agents: %w", len(agents), err)
	}
	return r.InsertWeights(ctx, &seed)
}

// uniformWeights splits 1.0 evenly, parking the floating-point residual
// on the alphabetically first agent so the sum is exact.
func uniformWeights(agents []string) map[string]float64 {
	share := 1.0 / float64(len(agents))
	weights := make(map[string]float64, len(agents))
	sum := 0.0
	for _, agent := range agents {
		weights[agent] = share
		sum += share
	}

	sorted := make([]string, len(agents))
	copy(sorted, agents)
	sort.Strings(sorted)
	weights[sorted[0]] += 1.0 - sum

	return weights
}
