package risk

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSummary is the slice of an open shadow position that risk
// decisions need.
type PositionSummary struct {
	Ticker       string
	Quantity     int64
	EntryPrice   decimal.Decimal
	CurrentPrice decimal.Decimal
	Notional     decimal.Decimal
	StopLoss     *decimal.Decimal
}

// StopDistancePct returns |entry - stop| / entry, or zero when no stop is set
func (p PositionSummary) StopDistancePct() decimal.Decimal {
	if p.StopLoss == nil || p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return p.EntryPrice.Sub(*p.StopLoss).Abs().Div(p.EntryPrice)
}

// StopCrossed reports whether the current price has crossed the stop level
func (p PositionSummary) StopCrossed() bool {
	if p.StopLoss == nil {
		return false
	}
	return p.CurrentPrice.LessThanOrEqual(*p.StopLoss)
}

// RecentOrder is a lightweight view of a recently created order, used for
// duplicate suppression.
type RecentOrder struct {
	Ticker    string
	Side      string
	CreatedAt time.Time
}

// Context is a point-in-time snapshot of portfolio and market state. It is
// pure data: the router and validator read it but never mutate it, so one
// snapshot yields one consistent decision.
type Context struct {
	AsOf time.Time

	Equity decimal.Decimal
	Cash   decimal.Decimal

	OpenPositions []PositionSummary
	RecentOrders  []RecentOrder

	// Realized P&L for the current UTC day as a fraction of equity at
	// day start. Negative is a loss.
	DailyPnLPct float64

	VIX float64

	KillSwitchEngaged bool

	// Market session state keyed by exchange code
	MarketOpen map[string]bool

	// Uppercase tickers barred from trading
	Blacklist map[string]bool
}

// IsBlacklisted reports whether ticker is barred from trading
func (c *Context) IsBlacklisted(ticker string) bool {
	return c.Blacklist[strings.ToUpper(ticker)]
}

// OpenPositionCount returns the number of open positions in the snapshot
func (c *Context) OpenPositionCount() int {
	return len(c.OpenPositions)
}

// Position returns the open position for ticker, if any
func (c *Context) Position(ticker string) (PositionSummary, bool) {
	for _, p := range c.OpenPositions {
		if p.Ticker == ticker {
			return p, true
		}
	}
	return PositionSummary{}, false
}

// AggregateRisk returns Σ(position notional × stop distance) across open
// positions.
func (c *Context) AggregateRisk() decimal.Decimal {
	total := decimal.Zero
	for _, p := range c.OpenPositions {
		total = total.Add(p.Notional.Mul(p.StopDistancePct()))
	}
	return total
}

// IsMarketOpen reports the session state for an exchange. Unknown
// exchanges report closed.
func (c *Context) IsMarketOpen(exchange string) bool {
	return c.MarketOpen[exchange]
}

// HasRecentOrder reports whether an order for ticker+side exists within
// window of the snapshot time.
func (c *Context) HasRecentOrder(ticker, side string, window time.Duration) bool {
	cutoff := c.AsOf.Add(-window)
	for _, o := range c.RecentOrders {
		if o.Ticker == ticker && o.Side == side && o.CreatedAt.After(cutoff) {
			return true
		}
	}
	return false
}
