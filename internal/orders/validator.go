package orders

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/metrics"
	"github.com/warroomhq/warroom/internal/risk"
)

// RuleCode identifies which hard rule rejected an order
type RuleCode string

const (
	RulePositionSizeCap  RuleCode = "position_size_cap"
	RuleAggregateRisk    RuleCode = "aggregate_risk_cap"
	RuleStopLossRequired RuleCode = "stop_loss_required"
	RuleInsufficientCash RuleCode = "insufficient_cash"
	RuleBlacklist        RuleCode = "blacklisted"
	RuleMarketClosed     RuleCode = "market_closed"
	RuleDuplicateOrder   RuleCode = "duplicate_order"
	RulePositionCountCap RuleCode = "position_count_cap"

	// RuleBrokerRejected records a venue-side rejection after submission;
	// it never comes out of Validate.
	RuleBrokerRejected RuleCode = "broker_rejected"
)

// Verdict is the outcome of validation. A rejection is a value, not an
// error: the caller records it and moves the order to REJECTED.
type Verdict struct {
	Passed bool
	Rule   RuleCode
	Reason string
}

func reject(rule RuleCode, format string, args ...interface{}) Verdict {
	metrics.OrderValidationFailures.WithLabelValues(string(rule)).Inc()
	return Verdict{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// ValidationInput is the candidate order under validation
type ValidationInput struct {
	Ticker   string
	Exchange string
	Side     Side
	Quantity int64
	Entry    decimal.Decimal
	StopLoss *decimal.Decimal
}

// Notional returns quantity × entry price
func (in ValidationInput) Notional() decimal.Decimal {
	return decimal.NewFromInt(in.Quantity).Mul(in.Entry)
}

// stopDistancePct returns |entry - stop| / entry, zero when no stop
func (in ValidationInput) stopDistancePct() decimal.Decimal {
	if in.StopLoss == nil || in.Entry.IsZero() {
		return decimal.Zero
	}
	return in.Entry.Sub(*in.StopLoss).Abs().Div(in.Entry)
}

// Validator enforces the eight hard rules. Deterministic, no LLM
// involvement, evaluated in fixed order with first failure winning.
//
// Exposure rules gate BUY orders only: a SELL closes risk, and an exit
// blocked by an entry rule (cash, caps, session) would strand a losing
// position. SELLs are still checked for duplicates.
type Validator struct {
	cfg    config.RiskConfig
	logger zerolog.Logger
}

// NewValidator creates a validator with the given risk thresholds
func NewValidator(cfg config.RiskConfig, logger zerolog.Logger) *Validator {
	return &Validator{
		cfg:    cfg,
		logger: logger.With().Str("component", "order_validator").Logger(),
	}
}

// Validate runs the rules against one snapshot. The snapshot is taken
// once by the caller so every rule sees the same portfolio.
func (v *Validator) Validate(in ValidationInput, rc *risk.Context) Verdict {
	isBuy := in.Side == SideBuy
	notional := in.Notional()

	// 1. Position size cap
	if isBuy {
		if rc.Equity.IsZero() {
			return reject(RulePositionSizeCap, "equity is zero")
		}
		sizePct := notional.Div(rc.Equity)
		if cap := decimal.NewFromFloat(v.cfg.MaxPositionPct); sizePct.GreaterThan(cap) {
			return reject(RulePositionSizeCap, "position size %s%% exceeds cap %s%%",
				sizePct.Mul(decimal.NewFromInt(100)).StringFixed(1),
				cap.Mul(decimal.NewFromInt(100)).StringFixed(0))
		}
	}

	// 2. Aggregate portfolio risk
	if isBuy {
		aggregate := rc.AggregateRisk().Add(notional.Mul(in.stopDistancePct()))
		limit := rc.Equity.Mul(decimal.NewFromFloat(v.cfg.MaxAggregateRisk))
		if aggregate.GreaterThan(limit) {
			return reject(RuleAggregateRisk, "aggregate risk %s exceeds %s",
				aggregate.StringFixed(2), limit.StringFixed(2))
		}
	}

	// 3. Stop-loss required on BUY
	if isBuy && in.StopLoss == nil {
		return reject(RuleStopLossRequired, "BUY order for %s has no stop loss", in.Ticker)
	}

	// 4. Sufficient cash
	if isBuy && rc.Cash.LessThan(notional) {
		return reject(RuleInsufficientCash, "cash %s below order notional %s",
			rc.Cash.StringFixed(2), notional.StringFixed(2))
	}

	// 5. Blacklist
	if isBuy && rc.IsBlacklisted(in.Ticker) {
		return reject(RuleBlacklist, "%s is blacklisted", in.Ticker)
	}

	// 6. Market closed (BUY only)
	if isBuy && !rc.IsMarketOpen(in.Exchange) {
		return reject(RuleMarketClosed, "market %s is closed", in.Exchange)
	}

	// 7. Duplicate order
	if rc.HasRecentOrder(in.Ticker, string(in.Side), v.cfg.DuplicateWindow) {
		return reject(RuleDuplicateOrder, "%s %s order already placed within %s",
			in.Ticker, in.Side, v.cfg.DuplicateWindow)
	}

	// 8. Position count cap
	if isBuy && rc.OpenPositionCount() >= v.cfg.MaxOpenPositions {
		return reject(RulePositionCountCap, "open position count %d at cap %d",
			rc.OpenPositionCount(), v.cfg.MaxOpenPositions)
	}

	return Verdict{Passed: true}
}
