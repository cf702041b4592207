package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// gaugePool is the query subset of the connection pool the updater uses.
// pgxmock implements it.
type gaugePool interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Updater refreshes the database-derived gauges: order counts by state,
// the committed agent weights, and the article backlog. Run Refresh as a
// scheduled job.
type Updater struct {
	pool gaugePool

	// States seen on earlier passes. A state whose count drains to zero
	// stops appearing in the GROUP BY, and its gauge must still be
	// cleared.
	seenStates map[string]struct{}
}

// NewUpdater creates a gauge updater reading through pool
func NewUpdater(pool gaugePool) *Updater {
	return &Updater{
		pool:       pool,
		seenStates: make(map[string]struct{}),
	}
}

// Refresh repopulates every database-derived gauge. A failing query
// skips its gauges and the rest still refresh; the first error is
// returned so the scheduler counts the pass as failed.
func (u *Updater) Refresh(ctx context.Context) error {
	var firstErr error
	if err := u.refreshOrderStates(ctx); err != nil {
		firstErr = err
	}
	if err := u.refreshAgentWeights(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := u.refreshArticleBacklog(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (u *Updater) refreshOrderStates(ctx context.Context) error {
	query := `SELECT state, COUNT(*) FROM orders GROUP BY state`

	rows, err := u.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to count orders by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64, len(u.seenStates))
	for state := range u.seenStates {
		counts[state] = 0
	}
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return fmt.Errorf("failed to scan order state count: %w", err)
		}
		counts[state] = count
		u.seenStates[state] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read order state counts: %w", err)
	}

	for state, count := range counts {
		OrdersByState.WithLabelValues(state).Set(float64(count))
	}
	return nil
}

func (u *Updater) refreshAgentWeights(ctx context.Context) error {
	query := `SELECT weights FROM agent_weights ORDER BY version DESC LIMIT 1`

	var raw []byte
	err := u.pool.QueryRow(ctx, query).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load committed agent weights: %w", err)
	}

	var weights map[string]float64
	if err := json.Unmarshal(raw, &weights); err != nil {
		return fmt.Errorf("failed to decode agent weights: %w", err)
	}

	for agent, weight := range weights {
		AgentWeight.WithLabelValues(agent).Set(weight)
	}
	return nil
}

func (u *Updater) refreshArticleBacklog(ctx context.Context) error {
	query := `SELECT COUNT(*) FROM articles WHERE NOT analyzed AND skip_reason = ''`

	var backlog int64
	if err := u.pool.QueryRow(ctx, query).Scan(&backlog); err != nil {
		return fmt.Errorf("failed to count article backlog: %w", err)
	}
	ArticlesBacklog.Set(float64(backlog))
	return nil
}
