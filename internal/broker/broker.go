// Package broker submits orders to the execution venue. PaperBroker
// simulates instant fills for shadow trading; the retry wrapper and the
// circuit breaker harden any implementation behind the same interface.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the venue's order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the venue's order type
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// Status is the venue-side order state
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

var (
	// ErrOrderNotFound means the venue has no record of the broker id
	ErrOrderNotFound = errors.New("broker order not found")

	// ErrRejected means the venue refused the submission outright
	ErrRejected = errors.New("order rejected by broker")
)

// PlaceRequest is one order submission. ClientOrderID carries the order
// manager's id; Place is idempotent on it, so a retried submission never
// creates a second venue order.
type PlaceRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Ticker        string           `json:"ticker"`
	Side          Side             `json:"side"`
	Type          OrderType        `json:"type"`
	Quantity      int64            `json:"quantity"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
}

// StatusReport is the venue's view of one order
type StatusReport struct {
	BrokerID     string          `json:"broker_id"`
	Status       Status          `json:"status"`
	FilledQty    int64           `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Reason       string          `json:"reason,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Broker places, inspects, and cancels venue orders
type Broker interface {
	Place(ctx context.Context, req PlaceRequest) (string, error)
	Status(ctx context.Context, brokerID string) (StatusReport, error)
	Cancel(ctx context.Context, brokerID string) error
}
