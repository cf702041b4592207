// Package market provides price, volatility, and session data behind a
// small adapter interface, with a Redis read-through cache and a
// snapshot builder that composes the inputs a deliberation needs.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when no price exists for the
// requested ticker and time.
var ErrPriceUnavailable = errors.New("price unavailable")

// Adapter is the upstream market data source
type Adapter interface {
	// Price returns the trade price for ticker at the given time. A
	// zero time means the latest price.
	Price(ctx context.Context, ticker string, at time.Time) (decimal.Decimal, error)
	// RealizedVol returns annualized realized volatility over the
	// trailing window in days.
	RealizedVol(ctx context.Context, ticker string, days int) (decimal.Decimal, error)
	// IsOpen reports whether the exchange session is open at the time
	IsOpen(ctx context.Context, exchange string, at time.Time) (bool, error)
}

// Indicators are the technical readings computed for a snapshot
type Indicators struct {
	RSI14 float64
	EMA20 float64
	ATR14 float64
}

// Macro is the broad-market context attached to a snapshot
type Macro struct {
	Regime    string
	VIX       float64
	FedStance string
}

// Snapshot is the read-only market view handed to deliberating agents.
// One snapshot per deliberation: every agent argues over the same data.
type Snapshot struct {
	Ticker      string
	AsOf        time.Time
	Price       decimal.Decimal
	Indicators  Indicators
	RecentNews  []string
	Macro       Macro
	RealizedVol decimal.Decimal
}
