package risk

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/config"
)

// SizeInput is one sizing request. Confidence comes from the winning
// ballot, RealizedVol is the 30-day realized volatility of the ticker.
type SizeInput struct {
	Ticker      string
	Entry       decimal.Decimal
	StopLoss    *decimal.Decimal
	Confidence  decimal.Decimal
	RealizedVol decimal.Decimal

	// DCA tranches take a quarter of the base size
	DCA bool
}

// SizeResult carries the sized order plus the intermediate ladder values
// for the audit trail. Failed results never reach the order manager; the
// caller converts them to HOLD.
type SizeResult struct {
	Quantity int64
	Notional decimal.Decimal

	AccountRisk   decimal.Decimal
	StopDistance  decimal.Decimal
	Base          decimal.Decimal
	VolMultiplier decimal.Decimal
	Capped        bool

	Failed bool
	Reason string
}

func sizeFail(reason string) SizeResult {
	return SizeResult{Failed: true, Reason: reason}
}

// Sizer computes position sizes from account risk and stop distance.
// All arithmetic is decimal; share quantities floor to whole units.
type Sizer struct {
	cfg    config.RiskConfig
	logger zerolog.Logger
}

// NewSizer creates a sizer with the configured risk fractions
func NewSizer(cfg config.RiskConfig, logger zerolog.Logger) *Sizer {
	return &Sizer{
		cfg:    cfg,
		logger: logger.With().Str("component", "position_sizer").Logger(),
	}
}

// Size applies the sizing ladder:
// account risk (2% of equity) over stop distance gives the base
// notional, scaled by ballot confidence and a volatility multiplier,
// then hard-capped at 10% of equity. Quantity floors to whole shares;
// zero shares is a sizing failure, not a one-share order.
func (s *Sizer) Size(in SizeInput, equity decimal.Decimal) SizeResult {
	if equity.LessThanOrEqual(decimal.Zero) {
		return sizeFail("equity not positive")
	}
	if in.Entry.LessThanOrEqual(decimal.Zero) {
		return sizeFail("entry price not positive")
	}
	if in.StopLoss == nil {
		return sizeFail("no stop loss set")
	}

	stopDistance := in.Entry.Sub(*in.StopLoss).Abs().Div(in.Entry)
	if stopDistance.IsZero() {
		return sizeFail("stop loss equals entry")
	}

	accountRisk := equity.Mul(decimal.NewFromFloat(s.cfg.AccountRiskPct))
	base := accountRisk.Div(stopDistance)
	if in.DCA {
		base = base.Div(decimal.NewFromInt(4))
	}

	confAdjusted := base.Mul(in.Confidence)
	mult := s.volMultiplier(in.RealizedVol)
	riskAdjusted := confAdjusted.Mul(mult)

	capped := false
	notionalCap := equity.Mul(decimal.NewFromFloat(s.cfg.NotionalCapPct))
	final := riskAdjusted
	if final.GreaterThan(notionalCap) {
		final = notionalCap
		capped = true
	}

	qty := final.Div(in.Entry).Floor().IntPart()
	if qty <= 0 {
		return sizeFail("sized to zero shares")
	}

	result := SizeResult{
		Quantity:      qty,
		Notional:      decimal.NewFromInt(qty).Mul(in.Entry),
		AccountRisk:   accountRisk,
		StopDistance:  stopDistance,
		Base:          base,
		VolMultiplier: mult,
		Capped:        capped,
	}

	s.logger.Debug().
		Str("ticker", in.Ticker).
		Int64("quantity", qty).
		Str("notional", result.Notional.String()).
		Str("vol_multiplier", mult.String()).
		Bool("capped", capped).
		Msg("position sized")

	return result
}

// volMultiplier shrinks size as realized volatility rises
func (s *Sizer) volMultiplier(vol decimal.Decimal) decimal.Decimal {
	switch {
	case vol.GreaterThan(decimal.NewFromFloat(s.cfg.VolHighThreshold)):
		return decimal.NewFromFloat(0.5)
	case vol.GreaterThan(decimal.NewFromFloat(s.cfg.VolMidThreshold)):
		return decimal.NewFromFloat(0.75)
	default:
		return decimal.NewFromInt(1)
	}
}
