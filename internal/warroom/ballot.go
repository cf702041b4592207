package warroom

import "sort"

// Tally is the outcome of a weighted ballot. Scores are kept per action
// so the audit trail shows how close the room was.
type Tally struct {
	Scores              map[Action]float64
	Winner              Action
	ConsensusConfidence float64
	Disagreement        float64
	WeightsPresent      float64
}

// tieRank orders actions for tie-breaking: inaction wins ties
func tieRank(a Action) int {
	switch a {
	case ActionHold:
		return 0
	case ActionMaintain:
		return 1
	default:
		return 2
	}
}

// ComputeBallot scores each action as the weight-times-confidence sum
// of the opinions backing it and picks the argmax. Ties prefer HOLD,
// then MAINTAIN, then alphabetical order. Consensus confidence is the
// winner's share of all score mass; disagreement is the weight share
// of agents voting against the winner. Timed-out opinions arrive as
// HOLD at zero confidence: they add no score but their weight still
// counts as present, leaning against any non-HOLD winner. A room of
// nothing but timeouts resolves to HOLD at zero consensus, which the
// confidence floor turns into silence.
func ComputeBallot(opinions []AgentOpinion, weights AgentWeights) Tally {
	t := Tally{Scores: make(map[Action]float64)}
	if len(opinions) == 0 {
		t.Winner = ActionHold
		return t
	}

	weightOn := make(map[Action]float64)
	for _, o := range opinions {
		w := weights.Weight(o.Agent)
		t.Scores[o.Action] += w * o.Confidence
		weightOn[o.Action] += w
		t.WeightsPresent += w
	}

	actions := make([]Action, 0, len(t.Scores))
	for a := range t.Scores {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool {
		si, sj := t.Scores[actions[i]], t.Scores[actions[j]]
		if si != sj {
			return si > sj
		}
		ri, rj := tieRank(actions[i]), tieRank(actions[j])
		if ri != rj {
			return ri < rj
		}
		return actions[i] < actions[j]
	})
	t.Winner = actions[0]

	total := 0.0
	for _, s := range t.Scores {
		total += s
	}
	if total > 0 {
		t.ConsensusConfidence = t.Scores[t.Winner] / total
	}

	if t.WeightsPresent > 0 {
		t.Disagreement = 1 - weightOn[t.Winner]/t.WeightsPresent
	}

	return t
}
