package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/market"
	"github.com/warroomhq/warroom/internal/metrics"
	"github.com/warroomhq/warroom/internal/news"
	"github.com/warroomhq/warroom/internal/risk"
	"github.com/warroomhq/warroom/internal/warroom"
)

// ErrInterpreterBusy means the LLM token budget is exhausted and the
// article should wait for the next cycle.
var ErrInterpreterBusy = errors.New("interpreter rate budget exhausted")

// ArticleQueue claims and releases article batches. Claiming marks the
// rows analyzed inside the claim transaction so parallel cycles never
// see the same article; Release flips one back to unclaimed.
type ArticleQueue interface {
	ClaimBatch(ctx context.Context, limit int) ([]news.Article, error)
	Release(ctx context.Context, articleID uuid.UUID) error
}

// Interpreter turns one article into a typed interpretation for one
// ticker. Implementations return ErrInterpreterBusy when their rate
// budget is spent.
type Interpreter interface {
	Interpret(ctx context.Context, article news.Article, ticker string) (news.Interpretation, error)
}

// InterpretationStore persists interpretations, idempotent on
// (article, ticker).
type InterpretationStore interface {
	InsertInterpretation(ctx context.Context, in *news.Interpretation) error
}

// Deliberator runs the War Room for one symbol
type Deliberator interface {
	Deliberate(ctx context.Context, symbol, trigger string) (*warroom.Deliberation, error)
}

// PipelineDeps bundles the pipeline's collaborators
type PipelineDeps struct {
	Articles    ArticleQueue
	Interpreter Interpreter
	Interps     InterpretationStore
	Deliberator Deliberator
	RiskView    RiskView
	Router      *risk.Router
	Sizer       *risk.Sizer
	Filter      *Filter
	Executor    *Executor
	Signals     SignalStore
	Market      market.Adapter
	Bus         *bus.Bus
}

// Pipeline drains claimed articles through interpretation, deliberation,
// and sizing into the signal filter and the execution flow.
type Pipeline struct {
	articles    ArticleQueue
	interpreter Interpreter
	interps     InterpretationStore
	deliberator Deliberator
	riskView    RiskView
	router      *risk.Router
	sizer       *risk.Sizer
	filter      *Filter
	executor    *Executor
	store       SignalStore
	market      market.Adapter
	bus         *bus.Bus
	logger      zerolog.Logger

	batchSize    int
	cycleTimeout time.Duration
	minImpact    float64
	priceTimeout time.Duration
	volDays      int

	wake chan struct{}
}

func NewPipeline(deps PipelineDeps, pipeCfg config.PipelineConfig, marketCfg config.MarketConfig, logger zerolog.Logger) *Pipeline {
	batch := pipeCfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	cycleTimeout := pipeCfg.CycleTimeout
	if cycleTimeout <= 0 {
		cycleTimeout = 60 * time.Second
	}
	minImpact := pipeCfg.MinImpact
	if minImpact <= 0 {
		minImpact = 5
	}
	priceTimeout := marketCfg.PriceTimeout
	if priceTimeout <= 0 {
		priceTimeout = 3 * time.Second
	}
	volDays := marketCfg.VolWindow
	if volDays <= 0 {
		volDays = 30
	}

	return &Pipeline{
		articles:     deps.Articles,
		interpreter:  deps.Interpreter,
		interps:      deps.Interps,
		deliberator:  deps.Deliberator,
		riskView:     deps.RiskView,
		router:       deps.Router,
		sizer:        deps.Sizer,
		filter:       deps.Filter,
		executor:     deps.Executor,
		store:        deps.Signals,
		market:       deps.Market,
		bus:          deps.Bus,
		logger:       logger.With().Str("component", "pipeline").Logger(),
		batchSize:    batch,
		cycleTimeout: cycleTimeout,
		minImpact:    float64(minImpact),
		priceTimeout: priceTimeout,
		volDays:      volDays,
		wake:         make(chan struct{}, 1),
	}
}

// Wake nudges the pipeline outside its scheduled cadence, typically
// right after an ingest lands fresh articles.
func (p *Pipeline) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run consumes wake nudges until ctx ends. The scheduler's signal_cycle
// job provides the baseline cadence; this loop cuts the latency between
// ingest and interpretation. Concurrent cycles are safe: claims are
// row-locked so two cycles never share an article.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
			if err := p.RunCycle(ctx); err != nil {
				p.logger.Error().Err(err).Msg("wake-triggered cycle failed")
			}
		}
	}
}

// RunCycle claims one batch and drains it. The cycle wall clock is
// capped; on overrun or an exhausted LLM budget the unprocessed claims
// are released for the next cycle.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	started := time.Now()
	defer func() {
		metrics.PipelineCycleDuration.Observe(float64(time.Since(started).Milliseconds()))
	}()

	cctx, cancel := context.WithTimeout(ctx, p.cycleTimeout)
	defer cancel()

	batch, err := p.articles.ClaimBatch(cctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to claim article batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	metrics.ArticlesClaimed.Add(float64(len(batch)))

	for i, art := range batch {
		if cctx.Err() != nil {
			p.releaseRemaining(batch[i:], "cycle budget exhausted")
			p.logger.Warn().
				Int("processed", i).
				Int("released", len(batch)-i).
				Msg("pipeline cycle hit the wall clock, aborting cleanly")
			return nil
		}
		if deferred := p.processArticle(cctx, art); deferred {
			p.releaseRemaining(batch[i:], "llm budget exhausted")
			return nil
		}
	}

	p.logger.Info().
		Int("articles", len(batch)).
		Dur("took", time.Since(started)).
		Msg("pipeline cycle complete")
	return nil
}

// processArticle interprets each of the article's tickers and routes
// actionable reads into deliberation. Returns true when the LLM budget
// refused the first call, meaning nothing was spent on this article and
// it should be re-claimed next cycle. A mid-article refusal skips the
// remaining tickers instead: re-claiming would re-spend the lead
// tickers' tokens.
func (p *Pipeline) processArticle(ctx context.Context, art news.Article) bool {
	for i, ticker := range art.Tickers {
		interp, err := p.interpreter.Interpret(ctx, art, ticker)
		if err != nil {
			if errors.Is(err, ErrInterpreterBusy) {
				if i == 0 {
					return true
				}
				p.logger.Warn().
					Str("article_id", art.ID.String()).
					Int("skipped_tickers", len(art.Tickers)-i).
					Msg("llm budget exhausted mid-article, skipping remaining tickers")
				return false
			}
			metrics.RecordError("interpret_failure", "pipeline")
			p.logger.Warn().Err(err).
				Str("article_id", art.ID.String()).
				Str("ticker", ticker).
				Msg("interpretation failed")
			continue
		}

		p.stampPrice(ctx, &interp)
		if err := p.interps.InsertInterpretation(ctx, &interp); err != nil {
			metrics.RecordError("interpretation_insert", "pipeline")
			p.logger.Error().Err(err).
				Str("article_id", art.ID.String()).
				Str("ticker", ticker).
				Msg("failed to persist interpretation")
			continue
		}

		if interp.ImpactScore < p.minImpact || !interp.Actionable {
			continue
		}
		p.decide(ctx, art, interp)
	}
	return false
}

// stampPrice records the market price at prediction time so the outcome
// verifier has a baseline. A miss leaves the price zero, which also
// blocks sizing for this interpretation.
func (p *Pipeline) stampPrice(ctx context.Context, interp *news.Interpretation) {
	pctx, cancel := context.WithTimeout(ctx, p.priceTimeout)
	defer cancel()

	price, err := p.market.Price(pctx, interp.Ticker, time.Time{})
	if err != nil {
		p.logger.Warn().Err(err).
			Str("ticker", interp.Ticker).
			Msg("failed to stamp prediction price")
		return
	}
	interp.PriceAtPrediction = price
}

// decide routes one actionable interpretation. Fast-track states
// suppress fresh news decisions: exits in a protective state belong to
// the stop monitor, and new entries are exactly what the state forbids.
func (p *Pipeline) decide(ctx context.Context, art news.Article, interp news.Interpretation) {
	rc, err := p.riskView.Snapshot(ctx)
	if err != nil {
		metrics.RecordError("risk_snapshot", "pipeline")
		p.logger.Error().Err(err).
			Str("ticker", interp.Ticker).
			Msg("failed to snapshot risk context")
		return
	}

	routing := p.router.Route(interp.Ticker, rc)
	if routing.Track == risk.FastTrack {
		metrics.RecordRiskDecision(string(routing.Track), routing.Reason)
		p.logger.Info().
			Str("ticker", interp.Ticker).
			Str("reason", routing.Reason).
			Msg("fast-track state, news decision suppressed")
		return
	}

	d, err := p.deliberator.Deliberate(ctx, interp.Ticker, "news:"+art.ID.String())
	if err != nil {
		metrics.RecordError("deliberation", "pipeline")
		p.logger.Error().Err(err).
			Str("ticker", interp.Ticker).
			Msg("deliberation failed")
		return
	}
	metrics.RecordRiskDecision(string(routing.Track), string(d.PMVerdict))

	if d.PMVerdict != warroom.VerdictApprove && d.PMVerdict != warroom.VerdictReduceSize {
		return
	}

	sig, ok := p.buildSignal(ctx, rc, art, interp, d)
	if !ok {
		return
	}
	if err := p.Submit(ctx, sig); err != nil {
		p.logger.Error().Err(err).
			Str("ticker", sig.Ticker).
			Msg("signal submission failed")
	}
}

// buildSignal turns an approved deliberation into a sized signal. Entry
// actions run the sizing ladder; exit actions size off the open
// position. HOLD and MAINTAIN build nothing.
func (p *Pipeline) buildSignal(ctx context.Context, rc *risk.Context, art news.Article, interp news.Interpretation, d *warroom.Deliberation) (*Signal, bool) {
	var (
		qty   int64
		entry decimal.Decimal
	)

	switch d.FinalAction {
	case warroom.ActionBuy, warroom.ActionIncrease, warroom.ActionDCA:
		entry = interp.PriceAtPrediction
		res := p.sizer.Size(risk.SizeInput{
			Ticker:      interp.Ticker,
			Entry:       entry,
			StopLoss:    d.StopLoss,
			Confidence:  decimal.NewFromFloat(d.FinalConfidence),
			RealizedVol: p.realizedVol(ctx, interp.Ticker),
			DCA:         d.FinalAction == warroom.ActionDCA,
		}, rc.Equity)
		if res.Failed {
			p.logger.Info().
				Str("ticker", interp.Ticker).
				Str("reason", res.Reason).
				Msg("sizing failed, no signal")
			return nil, false
		}
		qty = res.Quantity
		if d.PMVerdict == warroom.VerdictReduceSize {
			qty /= 2
			if qty == 0 {
				p.logger.Info().
					Str("ticker", interp.Ticker).
					Msg("reduced size rounds to zero shares, no signal")
				return nil, false
			}
		}

	case warroom.ActionSell, warroom.ActionReduce:
		pos, ok := rc.Position(interp.Ticker)
		if !ok {
			p.logger.Info().
				Str("ticker", interp.Ticker).
				Msg("no open position to exit, no signal")
			return nil, false
		}
		entry = pos.CurrentPrice
		qty = pos.Quantity
		if d.FinalAction == warroom.ActionReduce {
			qty /= 2
		}
		if qty <= 0 {
			return nil, false
		}

	default:
		return nil, false
	}

	pct := decimal.Zero
	if rc.Equity.IsPositive() {
		pct = decimal.NewFromInt(qty).Mul(entry).Div(rc.Equity)
	}

	urgency := UrgencyForImpact(interp.ImpactScore)
	articleID := art.ID
	delibID := d.ID
	return &Signal{
		ID:              uuid.New(),
		Ticker:          interp.Ticker,
		Action:          d.FinalAction,
		Confidence:      d.FinalConfidence,
		PositionSizePct: pct,
		Quantity:        qty,
		Entry:           entry,
		StopLoss:        d.StopLoss,
		TakeProfit:      d.TakeProfit,
		Reason:          d.Reasoning,
		Urgency:         urgency,
		ExecutionType:   ExecutionForUrgency(urgency),
		SourceArticleID: &articleID,
		DeliberationID:  &delibID,
		CreatedAt:       time.Now().UTC(),
		Status:          StatusActive,
	}, true
}

func (p *Pipeline) realizedVol(ctx context.Context, ticker string) decimal.Decimal {
	vctx, cancel := context.WithTimeout(ctx, p.priceTimeout)
	defer cancel()

	vol, err := p.market.RealizedVol(vctx, ticker, p.volDays)
	if err != nil {
		p.logger.Warn().Err(err).
			Str("ticker", ticker).
			Msg("failed to fetch realized vol, sizing without multiplier")
		return decimal.Zero
	}
	return vol
}

// Submit runs the filter and, when the signal is admitted, persists it,
// announces it, and hands it to the execution flow. The shadow monitor's
// synthetic exits come through the same door.
func (p *Pipeline) Submit(ctx context.Context, sig *Signal) error {
	ok, reason := p.filter.Admit(sig)
	if !ok {
		p.publish(ctx, bus.TopicSignalRejected, map[string]interface{}{
			"signal_id": sig.ID.String(),
			"ticker":    sig.Ticker,
			"action":    string(sig.Action),
			"reason":    reason,
		})
		return nil
	}

	sig.Status = StatusActive
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	if err := p.store.InsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("failed to persist signal: %w", err)
	}

	p.publish(ctx, bus.TopicSignalReceived, map[string]interface{}{
		"signal_id":  sig.ID.String(),
		"ticker":     sig.Ticker,
		"action":     string(sig.Action),
		"confidence": sig.Confidence,
		"urgency":    string(sig.Urgency),
	})

	return p.executor.Execute(ctx, sig)
}

// releaseRemaining returns claimed-but-unprocessed articles to the
// queue. The cycle context may already be dead, so releases run on a
// short detached context.
func (p *Pipeline) releaseRemaining(batch []news.Article, why string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, art := range batch {
		if err := p.articles.Release(ctx, art.ID); err != nil {
			p.logger.Error().Err(err).
				Str("article_id", art.ID.String()).
				Msg("failed to release claimed article")
		}
	}
	p.logger.Info().
		Int("released", len(batch)).
		Str("why", why).
		Msg("claimed articles deferred to next cycle")
}

func (p *Pipeline) publish(ctx context.Context, topic bus.Topic, payload map[string]interface{}) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, topic, payload); err != nil {
		p.logger.Error().Err(err).Str("topic", string(topic)).Msg("failed to publish pipeline event")
	}
}
