// Package orders owns the order lifecycle: the state machine, the
// single-writer manager that mutates order rows, and the hard-rule
// validator that gates entry into the broker path.
package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents the direction of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IsValidSide checks if a side string is a valid Side
func IsValidSide(side string) bool {
	switch Side(side) {
	case SideBuy, SideSell:
		return true
	default:
		return false
	}
}

// ExecType selects how the order is priced at the broker
type ExecType string

const (
	ExecMarket ExecType = "MARKET"
	ExecLimit  ExecType = "LIMIT"
)

// Metadata stage keys. Each pipeline stage writes under its own key;
// stages never overwrite one another.
const (
	StageSignalData       = "signal_data"
	StageValidationResult = "validation_result"
	StageBrokerInfo       = "broker_info"
	StageFillInfo         = "fill_info"
)

// Order is a single order row. Only the Manager mutates it.
type Order struct {
	ID                uuid.UUID
	Ticker            string
	Side              Side
	ExecType          ExecType
	Quantity          int64
	LimitPrice        *decimal.Decimal
	FilledQty         int64
	FilledPrice       *decimal.Decimal
	State             State
	BrokerID          *string
	SignalID          *uuid.UUID
	Metadata          map[string]interface{}
	NeedsManualReview bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SetStage writes one stage's metadata. Existing stages are preserved.
func (o *Order) SetStage(stage string, data map[string]interface{}) {
	if o.Metadata == nil {
		o.Metadata = make(map[string]interface{})
	}
	o.Metadata[stage] = data
}

// Stage reads one stage's metadata, or nil when the stage never ran
func (o *Order) Stage(stage string) map[string]interface{} {
	if o.Metadata == nil {
		return nil
	}
	data, _ := o.Metadata[stage].(map[string]interface{})
	return data
}

// MergeStage adds keys to one stage's metadata without dropping what an
// earlier write put there.
func (o *Order) MergeStage(stage string, kv map[string]interface{}) {
	merged := make(map[string]interface{}, len(kv))
	for k, v := range o.Stage(stage) {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	o.SetStage(stage, merged)
}

// Notional returns quantity × price for the order's reference price:
// the fill price when filled, otherwise the limit price, otherwise zero.
func (o *Order) Notional() decimal.Decimal {
	qty := decimal.NewFromInt(o.Quantity)
	switch {
	case o.FilledPrice != nil:
		return qty.Mul(*o.FilledPrice)
	case o.LimitPrice != nil:
		return qty.Mul(*o.LimitPrice)
	default:
		return decimal.Zero
	}
}
