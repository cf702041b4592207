// Package signals owns the trade signal lifecycle: quality filtering,
// the news-to-order pipeline, and the execution handoff that walks an
// admitted signal through validation and submission.
package signals

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/warroom"
)

// Urgency ranks how fast a signal should reach the market
type Urgency string

const (
	UrgencyLow  Urgency = "LOW"
	UrgencyMed  Urgency = "MED"
	UrgencyHigh Urgency = "HIGH"
)

// UrgencyForImpact maps an interpretation's impact score to urgency
func UrgencyForImpact(impact float64) Urgency {
	switch {
	case impact > 8:
		return UrgencyHigh
	case impact >= 6:
		return UrgencyMed
	default:
		return UrgencyLow
	}
}

// ExecutionType is the order type a signal asks for
type ExecutionType string

const (
	ExecutionMarket ExecutionType = "MARKET"
	ExecutionLimit  ExecutionType = "LIMIT"
)

// ExecutionForUrgency returns MARKET for high urgency, LIMIT otherwise
func ExecutionForUrgency(u Urgency) ExecutionType {
	if u == UrgencyHigh {
		return ExecutionMarket
	}
	return ExecutionLimit
}

// Status is a signal's lifecycle state
type Status string

const (
	StatusActive    Status = "active"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Signal is one actionable trade instruction headed for the order flow
type Signal struct {
	ID              uuid.UUID
	Ticker          string
	Action          warroom.Action
	Confidence      float64
	PositionSizePct decimal.Decimal
	Quantity        int64
	Entry           decimal.Decimal
	StopLoss        *decimal.Decimal
	TakeProfit      *decimal.Decimal
	Reason          string
	Urgency         Urgency
	ExecutionType   ExecutionType
	SourceArticleID *uuid.UUID
	DeliberationID  *uuid.UUID
	CreatedAt       time.Time
	Status          Status
}
