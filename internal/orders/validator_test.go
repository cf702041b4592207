package orders

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/risk"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionPct:   0.30,
		MaxAggregateRisk: 0.05,
		MaxOpenPositions: 20,
		DuplicateWindow:  5 * time.Minute,
		AccountRiskPct:   0.02,
		NotionalCapPct:   0.10,
	}
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func decPtr(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

// healthyContext returns a portfolio snapshot that passes every rule
// for a moderate BUY: 100k equity, 50k cash, one small open position.
func healthyContext() *risk.Context {
	stop := dec(90)
	return &risk.Context{
		AsOf:   time.Now(),
		Equity: dec(100_000),
		Cash:   dec(50_000),
		OpenPositions: []risk.PositionSummary{
			{
				Ticker:       "MSFT",
				Quantity:     10,
				EntryPrice:   dec(100),
				CurrentPrice: dec(105),
				Notional:     dec(1_050),
				StopLoss:     &stop,
			},
		},
		MarketOpen: map[string]bool{"NASDAQ": true, "NYSE": true},
		Blacklist:  map[string]bool{},
	}
}

func buyInput() ValidationInput {
	return ValidationInput{
		Ticker:   "AAPL",
		Exchange: "NASDAQ",
		Side:     SideBuy,
		Quantity: 50,
		Entry:    dec(100),
		StopLoss: decPtr(95),
	}
}

func TestValidatePasses(t *testing.T) {
	v := NewValidator(testRiskConfig(), zerolog.Nop())

	verdict := v.Validate(buyInput(), healthyContext())
	assert.True(t, verdict.Passed)
	assert.Empty(t, verdict.Rule)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(in *ValidationInput, rc *risk.Context)
		wantRule RuleCode
	}{
		{
			name: "position size over cap",
			mutate: func(in *ValidationInput, rc *risk.Context) {
				in.Quantity = 400 // 40k notional on 100k equity = 40% > 30%
			},
			wantRule: RulePositionSizeCap,
		},
		{
			name: "zero equity",
			mutate: func(in *ValidationInput, rc *risk.Context) {
				rc.Equity = decimal.Zero
			},
			wantRule: RulePositionSizeCap,
		},
		{
			name: "aggregate risk over cap",
			mutate: func(in *ValidationInput, rc *risk.Context) {
				// Existing positions already risk 4.9k of the 5k budget
				stop := dec(51)
				rc.OpenPositions = []risk.PositionSummary{
					{
						Ticker:       "NVDA",
						Quantity:     100,
						EntryPrice:   dec(100),
						CurrentPrice: dec(100),
						Notional:     dec(10_000),
						StopLoss:     &stop,
					},
				}
				in.Quantity = 200 // adds 20k × 5% stop distance = 1k more
			},
			wantRule: RuleAggregateRisk,
		},
		{
			name: "missing stop loss",
			mutate: func(in *ValidationInput, rc *risk.Context) {
				in.StopLoss = nil
			},
			wantRule: RuleStopLossRequired,
		},
		{
			name: "insufficient cash",
			mutate: func(in *ValidationInput, rc *risk.Context) {
				rc.Cash = dec(1_000)
			},
			wantRule: RuleInsufficientCash,
		},
		{
			name: "blacklisted ticker",
			mutate: func(in *ValidationInput, rc *risk.Context) {
				rc.Blacklist["AAPL"] = true
			},
			wantRule: RuleBlacklist,
		},
		{
			name: "market closed",
			mutate: func(in *ValidationInput, rc *risk.Context) {
				rc.MarketOpen["NASDAQ"] = false
			},
			wantRule: RuleMarketClosed,
		},
		{
			name: "unknown exchange treated as closed",
			mutate: func(in *ValidationInput, rc *risk.Context) {
				in.Exchange = "LSE"
			},
			wantRule: RuleMarketClosed,
		},
		{
			name: "duplicate order in window",
			mutate: func(in *ValidationInput, rc *risk.Context) {
				rc.RecentOrders = []risk.RecentOrder{
					{Ticker: "AAPL", Side: "BUY", CreatedAt: time.Now().Add(-2 * time.Minute)},
				}
			},
			wantRule: RuleDuplicateOrder,
		},
		{
			name: "position count at cap",
			mutate: func(in *ValidationInput, rc *risk.Context) {
				rc.OpenPositions = nil
				for i := 0; i < 20; i++ {
					rc.OpenPositions = append(rc.OpenPositions, risk.PositionSummary{
						Ticker:   "T" + string(rune('A'+i)),
						Quantity: 1,
						Notional: dec(10),
					})
				}
			},
			wantRule: RulePositionCountCap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(testRiskConfig(), zerolog.Nop())
			in := buyInput()
			rc := healthyContext()
			tt.mutate(&in, rc)

			verdict := v.Validate(in, rc)
			require.False(t, verdict.Passed)
			assert.Equal(t, tt.wantRule, verdict.Rule)
			assert.NotEmpty(t, verdict.Reason)
		})
	}
}

func TestValidateRuleOrder(t *testing.T) {
	// Multiple rules broken at once: first in sequence wins
	v := NewValidator(testRiskConfig(), zerolog.Nop())
	in := buyInput()
	in.Quantity = 400 // breaks size cap
	in.StopLoss = nil // also breaks stop rule
	rc := healthyContext()
	rc.Cash = decimal.Zero // also breaks cash rule

	verdict := v.Validate(in, rc)
	require.False(t, verdict.Passed)
	assert.Equal(t, RulePositionSizeCap, verdict.Rule)
}

func TestValidateSellSkipsExposureRules(t *testing.T) {
	v := NewValidator(testRiskConfig(), zerolog.Nop())

	// A SELL with no stop, no cash, closed market, blacklisted ticker
	// and a full position book still clears: exits must not be blocked.
	in := ValidationInput{
		Ticker:   "AAPL",
		Exchange: "NASDAQ",
		Side:     SideSell,
		Quantity: 5000,
		Entry:    dec(100),
	}
	rc := healthyContext()
	rc.Cash = decimal.Zero
	rc.MarketOpen["NASDAQ"] = false
	rc.Blacklist["AAPL"] = true
	for i := 0; i < 25; i++ {
		rc.OpenPositions = append(rc.OpenPositions, risk.PositionSummary{
			Ticker: "X" + string(rune('A'+i)), Quantity: 1, Notional: dec(10),
		})
	}

	verdict := v.Validate(in, rc)
	assert.True(t, verdict.Passed)
}

func TestValidateSellStillChecksDuplicates(t *testing.T) {
	v := NewValidator(testRiskConfig(), zerolog.Nop())

	in := ValidationInput{
		Ticker:   "AAPL",
		Exchange: "NASDAQ",
		Side:     SideSell,
		Quantity: 10,
		Entry:    dec(100),
	}
	rc := healthyContext()
	rc.RecentOrders = []risk.RecentOrder{
		{Ticker: "AAPL", Side: "SELL", CreatedAt: time.Now().Add(-1 * time.Minute)},
	}

	verdict := v.Validate(in, rc)
	require.False(t, verdict.Passed)
	assert.Equal(t, RuleDuplicateOrder, verdict.Rule)

	// An old SELL outside the window no longer blocks
	rc.RecentOrders[0].CreatedAt = time.Now().Add(-10 * time.Minute)
	verdict = v.Validate(in, rc)
	assert.True(t, verdict.Passed)
}

func TestValidateBuyOppositeSideNotDuplicate(t *testing.T) {
	v := NewValidator(testRiskConfig(), zerolog.Nop())

	in := buyInput()
	rc := healthyContext()
	rc.RecentOrders = []risk.RecentOrder{
		{Ticker: "AAPL", Side: "SELL", CreatedAt: time.Now().Add(-1 * time.Minute)},
	}

	verdict := v.Validate(in, rc)
	assert.True(t, verdict.Passed, "a recent SELL does not block a BUY")
}
