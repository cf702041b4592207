package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/config"
)

// PortfolioSnapshot is the portfolio state as the ledger reports it
type PortfolioSnapshot struct {
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	Positions   []PositionSummary
	DailyPnLPct float64
}

// PortfolioSource reports the current portfolio. Implemented by the
// shadow ledger.
type PortfolioSource interface {
	PortfolioSnapshot(ctx context.Context) (PortfolioSnapshot, error)
}

// OrderActivity reports recently created orders. Implemented by the
// order repository.
type OrderActivity interface {
	RecentOrders(ctx context.Context, since time.Time) ([]RecentOrder, error)
}

// MarketCalendar reports exchange session state. Implemented by the
// market adapter.
type MarketCalendar interface {
	IsOpen(ctx context.Context, exchange string, at time.Time) (bool, error)
}

// MacroSource reports the volatility index level
type MacroSource interface {
	VIX(ctx context.Context) (float64, error)
}

// Provider assembles Context snapshots. One snapshot is taken per
// decision so the validator, router, and sizer all see the same
// portfolio.
type Provider struct {
	portfolio PortfolioSource
	activity  OrderActivity
	calendar  MarketCalendar
	macro     MacroSource
	halt      *KillSwitch
	rules     *config.Rules

	// How far back the snapshot carries order activity. Must cover the
	// duplicate-order window.
	lookback time.Duration

	logger zerolog.Logger
}

// NewProvider creates a context provider
func NewProvider(
	portfolio PortfolioSource,
	activity OrderActivity,
	calendar MarketCalendar,
	macro MacroSource,
	halt *KillSwitch,
	rules *config.Rules,
	cfg config.RiskConfig,
	logger zerolog.Logger,
) *Provider {
	lookback := cfg.DuplicateWindow
	if lookback <= 0 {
		lookback = 5 * time.Minute
	}
	return &Provider{
		portfolio: portfolio,
		activity:  activity,
		calendar:  calendar,
		macro:     macro,
		halt:      halt,
		rules:     rules,
		lookback:  lookback,
		logger:    logger.With().Str("component", "risk_provider").Logger(),
	}
}

// Snapshot assembles a Context as of now. Portfolio and order activity
// are required; the session calendar and VIX degrade on failure
// (unknown exchange reads closed, missing VIX reads zero) so a market
// data outage slows trading down instead of blinding validation.
func (p *Provider) Snapshot(ctx context.Context) (*Context, error) {
	now := time.Now().UTC()

	ps, err := p.portfolio.PortfolioSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot portfolio: %w", err)
	}

	recent, err := p.activity.RecentOrders(ctx, now.Add(-p.lookback))
	if err != nil {
		return nil, fmt.Errorf("failed to load recent orders: %w", err)
	}

	marketOpen := make(map[string]bool)
	for _, exchange := range p.rules.Exchanges() {
		open, err := p.calendar.IsOpen(ctx, exchange, now)
		if err != nil {
			p.logger.Warn().Err(err).Str("exchange", exchange).
				Msg("session lookup failed, treating exchange as closed")
			continue
		}
		marketOpen[exchange] = open
	}

	vix := 0.0
	if p.macro != nil {
		v, err := p.macro.VIX(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("vix lookup failed, fast-track volatility trigger disabled")
		} else {
			vix = v
		}
	}

	return &Context{
		AsOf:              now,
		Equity:            ps.Equity,
		Cash:              ps.Cash,
		OpenPositions:     ps.Positions,
		RecentOrders:      recent,
		DailyPnLPct:       ps.DailyPnLPct,
		VIX:               vix,
		KillSwitchEngaged: p.halt.Engaged(),
		MarketOpen:        marketOpen,
		Blacklist:         p.rules.BlacklistSet(),
	}, nil
}
