package warroom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(agent string, action Action, confidence float64) AgentOpinion {
	return AgentOpinion{Agent: agent, Action: action, Confidence: confidence}
}

func threeAgentWeights() AgentWeights {
	return AgentWeights{
		Version: 1,
		Weights: map[string]float64{
			"technical":   0.35,
			"fundamental": 0.35,
			"news":        0.30,
		},
	}
}

func TestComputeBallotSplitRoom(t *testing.T) {
	opinions := []AgentOpinion{
		op("technical", ActionBuy, 0.70),
		op("fundamental", ActionReduce, 0.60),
		op("news", ActionHold, 0.50),
	}

	tally := ComputeBallot(opinions, threeAgentWeights())

	assert.Equal(t, ActionBuy, tally.Winner)
	assert.InDelta(t, 0.245, tally.Scores[ActionBuy], 1e-9)
	assert.InDelta(t, 0.21, tally.Scores[ActionReduce], 1e-9)
	assert.InDelta(t, 0.15, tally.Scores[ActionHold], 1e-9)

	// 0.245 / (0.245+0.21+0.15)
	assert.InDelta(t, 0.405, tally.ConsensusConfidence, 0.001)

	// only the technical agent (0.35) backs the winner
	assert.InDelta(t, 0.65, tally.Disagreement, 1e-9)
}

func TestComputeBallotUnanimous(t *testing.T) {
	opinions := []AgentOpinion{
		op("technical", ActionBuy, 0.85),
		op("fundamental", ActionBuy, 0.60),
		op("news", ActionBuy, 0.55),
	}

	tally := ComputeBallot(opinions, threeAgentWeights())

	assert.Equal(t, ActionBuy, tally.Winner)
	assert.InDelta(t, 1.0, tally.ConsensusConfidence, 1e-9)
	assert.InDelta(t, 0.0, tally.Disagreement, 1e-9)
}

func TestComputeBallotEmptyRoom(t *testing.T) {
	tally := ComputeBallot(nil, threeAgentWeights())

	assert.Equal(t, ActionHold, tally.Winner)
	assert.Zero(t, tally.ConsensusConfidence)
	assert.Zero(t, tally.Disagreement)
	assert.Empty(t, tally.Scores)
}

func TestComputeBallotTieBreaks(t *testing.T) {
	weights := AgentWeights{
		Version: 1,
		Weights: map[string]float64{"a": 0.50, "b": 0.50},
	}

	tests := []struct {
		name     string
		opinions []AgentOpinion
		want     Action
	}{
		{
			name: "hold beats buy on equal score",
			opinions: []AgentOpinion{
				op("a", ActionBuy, 0.50),
				op("b", ActionHold, 0.50),
			},
			want: ActionHold,
		},
		{
			name: "maintain beats sell on equal score",
			opinions: []AgentOpinion{
				op("a", ActionSell, 0.50),
				op("b", ActionMaintain, 0.50),
			},
			want: ActionMaintain,
		},
		{
			name: "alphabetical when neither is inaction",
			opinions: []AgentOpinion{
				op("a", ActionSell, 0.50),
				op("b", ActionBuy, 0.50),
			},
			want: ActionBuy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tally := ComputeBallot(tt.opinions, weights)
			assert.Equal(t, tt.want, tally.Winner)
		})
	}
}

func TestComputeBallotUnknownAgentScoresNothing(t *testing.T) {
	opinions := []AgentOpinion{
		op("technical", ActionBuy, 0.90),
		op("intruder", ActionSell, 0.99),
	}

	tally := ComputeBallot(opinions, threeAgentWeights())

	assert.Equal(t, ActionBuy, tally.Winner)
	assert.Zero(t, tally.Scores[ActionSell])
	assert.InDelta(t, 1.0, tally.ConsensusConfidence, 1e-9)
}

func TestComputeBallotAllTimeouts(t *testing.T) {
	// timed-out agents are recorded as HOLD at zero confidence
	opinions := []AgentOpinion{
		op("technical", ActionHold, 0),
		op("fundamental", ActionHold, 0),
		op("news", ActionHold, 0),
	}

	tally := ComputeBallot(opinions, threeAgentWeights())

	assert.Equal(t, ActionHold, tally.Winner)
	assert.Zero(t, tally.ConsensusConfidence)
	assert.Zero(t, tally.Disagreement)
}

func TestComputeBallotTimeoutWeightCountsAgainstWinner(t *testing.T) {
	opinions := []AgentOpinion{
		op("technical", ActionBuy, 0.80),
		op("fundamental", ActionHold, 0),
		op("news", ActionHold, 0),
	}

	tally := ComputeBallot(opinions, threeAgentWeights())

	require.Equal(t, ActionBuy, tally.Winner)
	assert.InDelta(t, 1.0, tally.ConsensusConfidence, 1e-9)
	assert.InDelta(t, 0.65, tally.Disagreement, 1e-9)
}
