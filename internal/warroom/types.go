// Package warroom runs multi-agent deliberations: a panel of LLM-backed
// agents analyzes a ticker, a weighted ballot picks the winning action,
// and a portfolio-manager verdict decides whether the room's call
// becomes a tradeable decision.
package warroom

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action is an agent's recommended move
type Action string

const (
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionHold     Action = "HOLD"
	ActionMaintain Action = "MAINTAIN"
	ActionReduce   Action = "REDUCE"
	ActionIncrease Action = "INCREASE"
	ActionDCA      Action = "DCA"
)

var validActions = map[Action]struct{}{
	ActionBuy: {}, ActionSell: {}, ActionHold: {}, ActionMaintain: {},
	ActionReduce: {}, ActionIncrease: {}, ActionDCA: {},
}

// IsValidAction reports whether s is a known action
func IsValidAction(s string) bool {
	_, ok := validActions[Action(s)]
	return ok
}

// AgentOpinion is one agent's take in a deliberation. Opinions are
// ephemeral inputs to the ballot but persisted for the audit trail and
// outcome verification.
type AgentOpinion struct {
	ID             uuid.UUID
	DeliberationID uuid.UUID
	Agent          string
	Action         Action
	Confidence     float64
	Reasoning      string
	Features       map[string]interface{}
	TimedOut       bool
	LatencyMs      int64
	CreatedAt      time.Time
}

// StopLoss extracts a stop-loss level from the opinion features, if the
// agent proposed one.
func (o AgentOpinion) StopLoss() *decimal.Decimal {
	return featureDecimal(o.Features, "stop_loss")
}

// TakeProfit extracts a take-profit level from the opinion features
func (o AgentOpinion) TakeProfit() *decimal.Decimal {
	return featureDecimal(o.Features, "take_profit")
}

func featureDecimal(features map[string]interface{}, key string) *decimal.Decimal {
	raw, ok := features[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		if v <= 0 {
			return nil
		}
		d := decimal.NewFromFloat(v)
		return &d
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil || d.LessThanOrEqual(decimal.Zero) {
			return nil
		}
		return &d
	case decimal.Decimal:
		if v.LessThanOrEqual(decimal.Zero) {
			return nil
		}
		return &v
	default:
		return nil
	}
}

// Verdict is the portfolio manager's ruling on a ballot
type Verdict string

const (
	VerdictApprove    Verdict = "approve"
	VerdictReject     Verdict = "reject"
	VerdictReduceSize Verdict = "reduce_size"
	VerdictSilence    Verdict = "silence"
)

// Deliberation is one full War Room cycle for a symbol. Append-only
// once persisted.
type Deliberation struct {
	ID              uuid.UUID
	Symbol          string
	Trigger         string
	WeightsVersion  int
	StartedAt       time.Time
	EndedAt         time.Time
	Opinions        []AgentOpinion
	FinalAction     Action
	FinalConfidence float64
	Disagreement    float64
	PMVerdict       Verdict
	Reasoning       string

	// Exit levels carried from the winning opinions, used by signal
	// construction when the verdict allows a trade.
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// weightSumTolerance bounds the drift allowed in a weight version's sum
const weightSumTolerance = 1e-6

// AgentWeights is one immutable version of the agent influence map.
// New versions append; history is never rewritten.
type AgentWeights struct {
	Version     int
	EffectiveAt time.Time
	Weights     map[string]float64
	Reason      string
	Actor       string
}

// Validate checks the version invariants: weights sum to 1 within
// tolerance and each sits inside [0.01, 0.40].
func (w AgentWeights) Validate() error {
	if len(w.Weights) == 0 {
		return fmt.Errorf("weights version %d has no agents", w.Version)
	}
	sum := 0.0
	for agent, weight := range w.Weights {
		if weight < 0.01 || weight > 0.40 {
			return fmt.Errorf("weights version %d: agent %s weight %.4f outside [0.01, 0.40]",
				w.Version, agent, weight)
		}
		sum += weight
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("weights version %d: sum %.8f deviates from 1.0", w.Version, sum)
	}
	return nil
}

// Weight returns the weight for agent, zero when absent
func (w AgentWeights) Weight(agent string) float64 {
	return w.Weights[agent]
}
