package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/market"
	"github.com/warroomhq/warroom/internal/warroom"
)

// agentReply is the wire shape a panel agent must answer with
type agentReply struct {
	Action     string                 `json:"action"`
	Confidence float64                `json:"confidence"`
	Reasoning  string                 `json:"reasoning"`
	Features   map[string]interface{} `json:"features"`
}

// AgentAdapter turns one roster slot into a warroom.Agent backed by the
// shared gateway client. Replies are validated at this boundary: an
// unknown action or out-of-range confidence degrades to HOLD at zero
// confidence with the reason kept, so the ballot never sees a loose
// payload.
type AgentAdapter struct {
	name   string
	client *Client
	logger zerolog.Logger
}

var _ warroom.Agent = (*AgentAdapter)(nil)

func NewAgentAdapter(name string, client *Client, logger zerolog.Logger) *AgentAdapter {
	return &AgentAdapter{
		name:   name,
		client: client,
		logger: logger.With().Str("component", "agent").Str("agent", name).Logger(),
	}
}

func (a *AgentAdapter) Name() string { return a.name }

// Analyze asks the model for this persona's read on the symbol. Agents
// wait for budget: the deliberation deadline bounds the wait. Gateway
// and parse failures return the error for the orchestrator to fold
// into a recorded HOLD.
func (a *AgentAdapter) Analyze(ctx context.Context, symbol string, snap market.Snapshot) (warroom.AgentOpinion, error) {
	content, err := a.client.Complete(ctx, SystemPrompt(a.name), BuildAnalysisPrompt(symbol, snap))
	if err != nil {
		return warroom.AgentOpinion{}, fmt.Errorf("agent %s completion failed: %w", a.name, err)
	}

	var reply agentReply
	if err := DecodeReply(content, &reply); err != nil {
		return warroom.AgentOpinion{}, fmt.Errorf("agent %s replied malformed JSON: %w", a.name, err)
	}

	action := strings.ToUpper(strings.TrimSpace(reply.Action))
	if !warroom.IsValidAction(action) {
		a.logger.Warn().
			Str("symbol", symbol).
			Str("action", reply.Action).
			Msg("unknown action in agent reply, degrading to HOLD")
		return a.degraded(fmt.Sprintf("model answered unknown action %q", reply.Action)), nil
	}
	if reply.Confidence < 0 || reply.Confidence > 1 {
		a.logger.Warn().
			Str("symbol", symbol).
			Float64("confidence", reply.Confidence).
			Msg("out-of-range confidence in agent reply, degrading to HOLD")
		return a.degraded(fmt.Sprintf("model answered confidence %g", reply.Confidence)), nil
	}

	return warroom.AgentOpinion{
		Agent:      a.name,
		Action:     warroom.Action(action),
		Confidence: reply.Confidence,
		Reasoning:  reply.Reasoning,
		Features:   reply.Features,
	}, nil
}

func (a *AgentAdapter) degraded(reason string) warroom.AgentOpinion {
	return warroom.AgentOpinion{
		Agent:      a.name,
		Action:     warroom.ActionHold,
		Confidence: 0,
		Reasoning:  "degraded: " + reason,
	}
}

// Panel builds the configured agent roster over one shared client.
func Panel(names []string, client *Client, logger zerolog.Logger) []warroom.Agent {
	agents := make([]warroom.Agent, 0, len(names))
	for _, name := range names {
		agents = append(agents, NewAgentAdapter(name, client, logger))
	}
	return agents
}
