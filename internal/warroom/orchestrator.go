package warroom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/market"
	"github.com/warroomhq/warroom/internal/metrics"
)

// Agent is one deliberating panel member
type Agent interface {
	Name() string
	Analyze(ctx context.Context, symbol string, snap market.Snapshot) (AgentOpinion, error)
}

// DeliberationStore persists completed deliberations with their
// opinions. Implemented by the database layer.
type DeliberationStore interface {
	InsertDeliberation(ctx context.Context, d *Deliberation) error
}

// WeightSource returns the current agent weights version
type WeightSource interface {
	CurrentWeights(ctx context.Context) (AgentWeights, error)
}

// SnapshotSource builds the market view for a symbol
type SnapshotSource interface {
	Snapshot(ctx context.Context, ticker string) (market.Snapshot, error)
}

// Orchestrator runs War Room deliberations: fan out the agent panel,
// tally the weighted ballot, apply the portfolio manager verdict, and
// persist the room's record before returning.
type Orchestrator struct {
	agents    []Agent
	store     DeliberationStore
	weightSrc WeightSource
	snapshots SnapshotSource
	bus       *bus.Bus
	logger    zerolog.Logger

	agentTimeout   time.Duration
	overallTimeout time.Duration

	disagreementThreshold float64
	confidenceFloor       float64
	reduceBandHigh        float64

	// One deliberation per symbol at a time
	mu          sync.Mutex
	symbolLocks map[string]*sync.Mutex
}

// NewOrchestrator creates a deliberation orchestrator. The persona
// binds the disagreement threshold and confidence floor; the war room
// config carries the reduce band and timeouts.
func NewOrchestrator(
	agents []Agent,
	store DeliberationStore,
	weightSrc WeightSource,
	snapshots SnapshotSource,
	b *bus.Bus,
	persona config.Persona,
	warCfg config.WarRoomConfig,
	agentTimeout time.Duration,
	logger zerolog.Logger,
) *Orchestrator {
	overall := warCfg.DeliberationTimeout
	if overall <= 0 {
		overall = 12 * time.Second
	}
	if agentTimeout <= 0 {
		agentTimeout = 8 * time.Second
	}
	floor := persona.ConfidenceFloor
	if floor <= 0 {
		floor = warCfg.ConsensusFloor
	}
	disagreement := persona.DisagreementThreshold
	if disagreement <= 0 {
		disagreement = 0.67
	}
	reduceHigh := warCfg.ReduceBandHigh
	if reduceHigh <= 0 {
		reduceHigh = 0.70
	}

	return &Orchestrator{
		agents:                agents,
		store:                 store,
		weightSrc:             weightSrc,
		snapshots:             snapshots,
		bus:                   b,
		logger:                logger.With().Str("component", "war_room").Logger(),
		agentTimeout:          agentTimeout,
		overallTimeout:        overall,
		disagreementThreshold: disagreement,
		confidenceFloor:       floor,
		reduceBandHigh:        reduceHigh,
		symbolLocks:           make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) symbolLock(symbol string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.symbolLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		o.symbolLocks[symbol] = lock
	}
	return lock
}

// Deliberate runs one full War Room cycle for symbol. Concurrent
// requests for the same symbol serialize; different symbols run in
// parallel. The deliberation row and every opinion are persisted
// before control returns.
func (o *Orchestrator) Deliberate(ctx context.Context, symbol, trigger string) (*Deliberation, error) {
	lock := o.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	weights, err := o.weightSrc.CurrentWeights(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent weights: %w", err)
	}
	snap, err := o.snapshots.Snapshot(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to build market snapshot for %s: %w", symbol, err)
	}

	d := &Deliberation{
		ID:             uuid.New(),
		Symbol:         symbol,
		Trigger:        trigger,
		WeightsVersion: weights.Version,
		StartedAt:      time.Now().UTC(),
	}

	o.publish(ctx, bus.TopicDebateStarted, map[string]interface{}{
		"deliberation_id": d.ID.String(),
		"symbol":          symbol,
		"trigger":         trigger,
		"weights_version": weights.Version,
	})

	d.Opinions = o.collectOpinions(ctx, d.ID, symbol, snap)

	tally := ComputeBallot(d.Opinions, weights)
	d.FinalAction = tally.Winner
	d.FinalConfidence = tally.ConsensusConfidence
	d.Disagreement = tally.Disagreement

	o.applyVerdict(d, tally)
	d.EndedAt = time.Now().UTC()

	if err := o.store.InsertDeliberation(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to persist deliberation %s: %w", d.ID, err)
	}

	durationMs := float64(d.EndedAt.Sub(d.StartedAt).Milliseconds())
	metrics.RecordVerdict(string(d.PMVerdict), durationMs)

	o.logger.Info().
		Str("deliberation_id", d.ID.String()).
		Str("symbol", symbol).
		Str("final_action", string(d.FinalAction)).
		Float64("consensus", d.FinalConfidence).
		Float64("disagreement", d.Disagreement).
		Str("verdict", string(d.PMVerdict)).
		Msg("deliberation complete")

	if d.PMVerdict == VerdictApprove || d.PMVerdict == VerdictReduceSize {
		o.publish(ctx, bus.TopicConsensusReached, map[string]interface{}{
			"deliberation_id": d.ID.String(),
			"symbol":          symbol,
			"action":          string(d.FinalAction),
			"confidence":      d.FinalConfidence,
			"verdict":         string(d.PMVerdict),
		})
	}
	o.publish(ctx, bus.TopicDebateEnded, map[string]interface{}{
		"deliberation_id": d.ID.String(),
		"symbol":          symbol,
		"verdict":         string(d.PMVerdict),
		"final_action":    string(d.FinalAction),
		"confidence":      d.FinalConfidence,
	})

	return d, nil
}

// collectOpinions fans the panel out in parallel. Each agent gets its
// own deadline inside the overall deliberation deadline; an agent that
// errors or times out contributes HOLD at zero confidence, recorded
// with the failure so the room's history shows who went dark.
func (o *Orchestrator) collectOpinions(ctx context.Context, deliberationID uuid.UUID, symbol string, snap market.Snapshot) []AgentOpinion {
	ctx, cancel := context.WithTimeout(ctx, o.overallTimeout)
	defer cancel()

	opinions := make([]AgentOpinion, len(o.agents))
	g, gctx := errgroup.WithContext(ctx)

	for i, agent := range o.agents {
		g.Go(func() error {
			started := time.Now()
			agentCtx, agentCancel := context.WithTimeout(gctx, o.agentTimeout)
			defer agentCancel()

			op, err := agent.Analyze(agentCtx, symbol, snap)
			latency := time.Since(started).Milliseconds()

			if err != nil {
				timedOut := errors.Is(err, context.DeadlineExceeded)
				if timedOut {
					metrics.AgentTimeouts.WithLabelValues(agent.Name()).Inc()
				} else {
					metrics.RecordError("agent_failure", "war_room")
				}
				o.logger.Warn().Err(err).
					Str("agent", agent.Name()).
					Str("symbol", symbol).
					Bool("timed_out", timedOut).
					Msg("agent failed, recording HOLD at zero confidence")
				op = AgentOpinion{
					Agent:      agent.Name(),
					Action:     ActionHold,
					Confidence: 0,
					Reasoning:  fmt.Sprintf("no opinion: %v", err),
					TimedOut:   timedOut,
				}
			}

			op.ID = uuid.New()
			op.DeliberationID = deliberationID
			op.Agent = agent.Name()
			op.LatencyMs = latency
			op.CreatedAt = time.Now().UTC()
			opinions[i] = op

			metrics.RecordAgentOpinion(op.Agent, string(op.Action), op.Confidence)
			return nil
		})
	}

	// Workers never return errors; they fold failures into opinions
	_ = g.Wait()
	return opinions
}

// applyVerdict runs the portfolio manager ladder over the tally
func (o *Orchestrator) applyVerdict(d *Deliberation, tally Tally) {
	isBuy := tally.Winner == ActionBuy

	if isBuy {
		d.StopLoss, d.TakeProfit = o.exitLevels(d.Opinions, tally.Winner)
		if d.StopLoss == nil {
			d.PMVerdict = VerdictReject
			d.Reasoning = "BUY without a stop loss proposal"
			return
		}
	}

	if tally.Disagreement > o.disagreementThreshold {
		d.PMVerdict = VerdictReject
		d.Reasoning = fmt.Sprintf("disagreement %.2f above threshold %.2f",
			tally.Disagreement, o.disagreementThreshold)
		return
	}

	if tally.ConsensusConfidence < o.confidenceFloor {
		d.PMVerdict = VerdictSilence
		d.Reasoning = fmt.Sprintf("consensus %.2f below floor %.2f",
			tally.ConsensusConfidence, o.confidenceFloor)
		return
	}

	if isBuy && tally.ConsensusConfidence < o.reduceBandHigh {
		d.PMVerdict = VerdictReduceSize
		d.Reasoning = fmt.Sprintf("consensus %.2f in reduce band [%.2f, %.2f)",
			tally.ConsensusConfidence, o.confidenceFloor, o.reduceBandHigh)
		return
	}

	d.PMVerdict = VerdictApprove
	d.Reasoning = fmt.Sprintf("consensus %.2f, disagreement %.2f",
		tally.ConsensusConfidence, tally.Disagreement)
}

// exitLevels picks stop and take-profit from the winning opinions,
// preferring the most confident proposal.
func (o *Orchestrator) exitLevels(opinions []AgentOpinion, winner Action) (*decimal.Decimal, *decimal.Decimal) {
	var best *AgentOpinion
	for i := range opinions {
		op := &opinions[i]
		if op.Action != winner || op.StopLoss() == nil {
			continue
		}
		if best == nil || op.Confidence > best.Confidence {
			best = op
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.StopLoss(), best.TakeProfit()
}

func (o *Orchestrator) publish(ctx context.Context, topic bus.Topic, payload map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, topic, payload); err != nil {
		o.logger.Error().Err(err).Str("topic", string(topic)).Msg("failed to publish deliberation event")
	}
}
