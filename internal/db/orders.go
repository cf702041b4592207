package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/warroomhq/warroom/internal/orders"
	"github.com/warroomhq/warroom/internal/risk"
)

// OrderRepository persists order rows for the lifecycle manager. The
// manager is the single writer; reads serve the kill-switch sweep, crash
// recovery, and duplicate suppression.
type OrderRepository struct {
	pool Pool
}

func NewOrderRepository(pool Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `id, ticker, side, exec_type, quantity, limit_price,
	filled_qty, filled_price, state, broker_id, signal_id, metadata,
	needs_manual_review, created_at, updated_at`

// Insert stores a new order row.
func (r *OrderRepository) Insert(ctx context.Context, o *orders.Order) error {
	defer track("insert_order", time.Now())

	metadata, err := marshalMetadata(o.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.pool.Exec(ctx, query,
		o.ID,
		o.Ticker,
		o.Side,
		o.ExecType,
		o.Quantity,
		o.LimitPrice,
		o.FilledQty,
		o.FilledPrice,
		o.State,
		o.BrokerID,
		o.SignalID,
		metadata,
		o.NeedsManualReview,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		log.Error().Err(err).
			Str("order_id", o.ID.String()).
			Str("ticker", o.Ticker).
			Msg("Failed to insert order")
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return nil
}

// Get loads one order by id, or orders.ErrOrderNotFound.
func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*orders.Order, error) {
	defer track("get_order", time.Now())

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orders.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	return o, nil
}

// Update persists the mutable half of an order row.
func (r *OrderRepository) Update(ctx context.Context, o *orders.Order) error {
	defer track("update_order", time.Now())

	metadata, err := marshalMetadata(o.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE orders
		SET limit_price = $2,
			filled_qty = $3,
			filled_price = $4,
			state = $5,
			broker_id = $6,
			signal_id = $7,
			metadata = $8,
			needs_manual_review = $9,
			updated_at = $10
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		o.ID,
		o.LimitPrice,
		o.FilledQty,
		o.FilledPrice,
		o.State,
		o.BrokerID,
		o.SignalID,
		metadata,
		o.NeedsManualReview,
		o.UpdatedAt,
	)
	if err != nil {
		log.Error().Err(err).
			Str("order_id", o.ID.String()).
			Str("state", string(o.State)).
			Msg("Failed to update order")
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrOrderNotFound
	}

	return nil
}

// OrdersInState lists every order currently in one lifecycle state,
// oldest first.
func (r *OrderRepository) OrdersInState(ctx context.Context, state orders.State) ([]*orders.Order, error) {
	defer track("orders_in_state", time.Now())

	query := `SELECT ` + orderColumns + ` FROM orders WHERE state = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders in state %s: %w", state, err)
	}
	defer rows.Close()

	var result []*orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders in state %s: %w", state, err)
	}

	return result, nil
}

// RecentOrders returns a lightweight view of orders created since the
// cutoff, newest first, for duplicate suppression.
func (r *OrderRepository) RecentOrders(ctx context.Context, since time.Time) ([]risk.RecentOrder, error) {
	defer track("recent_orders", time.Now())

	query := `
		SELECT ticker, side, created_at FROM orders
		WHERE created_at >= $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent orders: %w", err)
	}
	defer rows.Close()

	var recent []risk.RecentOrder
	for rows.Next() {
		var ro risk.RecentOrder
		if err := rows.Scan(&ro.Ticker, &ro.Side, &ro.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recent order: %w", err)
		}
		recent = append(recent, ro)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recent orders: %w", err)
	}

	return recent, nil
}

func scanOrder(row pgx.Row) (*orders.Order, error) {
	var (
		o        orders.Order
		metadata []byte
	)
	err := row.Scan(
		&o.ID, &o.Ticker, &o.Side, &o.ExecType, &o.Quantity, &o.LimitPrice,
		&o.FilledQty, &o.FilledPrice, &o.State, &o.BrokerID, &o.SignalID,
		&metadata, &o.NeedsManualReview, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &o.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode order metadata: %w", err)
		}
	}
	return &o, nil
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order metadata: %w", err)
	}
	return raw, nil
}
