// Package learning closes the feedback loop: measured news-interpretation
// accuracy moves the news agent's deliberation weight. Weight history is
// append-only; every run that changes anything produces a new validated
// version.
package learning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/metrics"
	"github.com/warroomhq/warroom/internal/news"
	"github.com/warroomhq/warroom/internal/warroom"
)

// ErrNoWeights means no weights version exists at or before the
// requested cutoff.
var ErrNoWeights = errors.New("no weights version")

// AccuracySource returns verified accuracy samples for one horizon
// since a cutoff. Implemented by the interpretation repository.
type AccuracySource interface {
	AccuracySamples(ctx context.Context, horizon news.Horizon, since time.Time) ([]float64, error)
}

// WeightStore loads and appends agent weight versions.
type WeightStore interface {
	CurrentWeights(ctx context.Context) (warroom.AgentWeights, error)
	// WeightsAsOf returns the newest version effective strictly before
	// the cutoff, or ErrNoWeights.
	WeightsAsOf(ctx context.Context, cutoff time.Time) (warroom.AgentWeights, error)
	InsertWeights(ctx context.Context, w *warroom.AgentWeights) error
}

// Adjuster is the daily self-learning pass.
type Adjuster struct {
	acc     AccuracySource
	weights WeightStore
	bus     *bus.Bus
	logger  zerolog.Logger

	newsAgent  string
	window     time.Duration
	minSamples int
	step       float64
	floor      float64
	ceiling    float64
	dailyCap   float64
	lowNIA     float64
	highNIA    float64
}

func NewAdjuster(acc AccuracySource, weights WeightStore, b *bus.Bus, cfg config.LearningConfig, logger zerolog.Logger) *Adjuster {
	a := &Adjuster{
		acc:        acc,
		weights:    weights,
		bus:        b,
		logger:     logger.With().Str("component", "weight_adjuster").Logger(),
		newsAgent:  cfg.NewsAgent,
		window:     cfg.Window,
		minSamples: cfg.MinSamples,
		step:       cfg.Step,
		floor:      cfg.FloorWeight,
		ceiling:    cfg.CeilingWeight,
		dailyCap:   cfg.DailyCap,
		lowNIA:     cfg.LowNIA,
		highNIA:    cfg.HighNIA,
	}
	if a.newsAgent == "" {
		a.newsAgent = "news_analyst"
	}
	if a.window <= 0 {
		a.window = 30 * 24 * time.Hour
	}
	if a.minSamples <= 0 {
		a.minSamples = 50
	}
	if a.step <= 0 {
		a.step = 0.02
	}
	if a.floor <= 0 {
		a.floor = 0.05
	}
	if a.ceiling <= 0 {
		a.ceiling = 0.25
	}
	if a.dailyCap <= 0 {
		a.dailyCap = 0.05
	}
	if a.lowNIA <= 0 {
		a.lowNIA = 0.60
	}
	if a.highNIA <= 0 {
		a.highNIA = 0.80
	}
	return a
}

// Run computes NIA over the trailing window and appends an adjusted
// weights version when the accuracy warrants one. Safe to re-run; a run
// that changes nothing writes nothing.
func (a *Adjuster) Run(ctx context.Context) error {
	now := time.Now().UTC()
	samples, err := a.acc.AccuracySamples(ctx, news.Horizon1D, now.Add(-a.window))
	if err != nil {
		return fmt.Errorf("failed to load accuracy samples: %w", err)
	}
	if len(samples) < a.minSamples {
		metrics.WeightAdjustments.WithLabelValues("skipped_low_sample").Inc()
		a.logger.Info().Int("samples", len(samples)).Int("min", a.minSamples).
			Msg("too few verified interpretations, weights untouched")
		return nil
	}

	nia := mean(samples)
	delta := 0.0
	switch {
	case nia < a.lowNIA:
		delta = -a.step
	case nia >= a.highNIA:
		delta = a.step
	}
	if delta == 0 {
		metrics.WeightAdjustments.WithLabelValues("no_change").Inc()
		a.logger.Info().Float64("nia", nia).Int("samples", len(samples)).
			Msg("accuracy inside the neutral band, weights untouched")
		return nil
	}

	current, err := a.weights.CurrentWeights(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current weights: %w", err)
	}
	target, ok := current.Weights[a.newsAgent]
	if !ok {
		return fmt.Errorf("weights version %d carries no agent %q", current.Version, a.newsAgent)
	}
	if len(current.Weights) < 2 {
		return fmt.Errorf("weights version %d has no agents to redistribute to", current.Version)
	}

	proposed := a.boundTravel(ctx, now, target, delta)
	applied := proposed - target
	if applied == 0 {
		metrics.WeightAdjustments.WithLabelValues("no_change").Inc()
		a.logger.Info().Float64("nia", nia).Float64("weight", target).
			Msg("adjustment fully absorbed by bounds, weights untouched")
		return nil
	}

	next := redistribute(current.Weights, a.newsAgent, proposed, applied)

	version := warroom.AgentWeights{
		Version:     current.Version + 1,
		EffectiveAt: now,
		Weights:     next,
		Reason:      fmt.Sprintf("auto: NIA=%.0f%%", nia*100),
		Actor:       "weight-adjuster",
	}
	if err := version.Validate(); err != nil {
		metrics.WeightAdjustments.WithLabelValues("invalid").Inc()
		return fmt.Errorf("adjusted weights failed validation: %w", err)
	}
	if err := a.weights.InsertWeights(ctx, &version); err != nil {
		return fmt.Errorf("failed to append weights version %d: %w", version.Version, err)
	}

	outcome := "lowered"
	if applied > 0 {
		outcome = "raised"
	}
	metrics.WeightAdjustments.WithLabelValues(outcome).Inc()
	a.logger.Info().
		Int("version", version.Version).
		Float64("nia", nia).
		Int("samples", len(samples)).
		Str("agent", a.newsAgent).
		Float64("from", target).
		Float64("to", proposed).
		Msg("agent weights adjusted")

	if err := a.bus.Publish(ctx, bus.TopicConsensusReached, map[string]interface{}{
		"kind":    "weight_adjustment",
		"version": version.Version,
		"agent":   a.newsAgent,
		"nia":     nia,
		"delta":   applied,
		"reason":  version.Reason,
	}); err != nil {
		a.logger.Warn().Err(err).Msg("failed to publish weight adjustment")
	}
	return nil
}

// boundTravel clamps the proposed move at the floor or ceiling in the
// direction of travel, then at the cumulative daily cap measured against
// the day's opening version. A weight already outside the band may still
// move toward it.
func (a *Adjuster) boundTravel(ctx context.Context, now time.Time, target, delta float64) float64 {
	proposed := target + delta
	if delta < 0 && proposed < a.floor {
		proposed = a.floor
	}
	if delta > 0 && proposed > a.ceiling {
		proposed = a.ceiling
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	opening, err := a.weights.WeightsAsOf(ctx, dayStart)
	if err != nil {
		if !errors.Is(err, ErrNoWeights) {
			a.logger.Warn().Err(err).Msg("failed to load day-opening weights, capping against current")
		}
		return proposed
	}
	base, ok := opening.Weights[a.newsAgent]
	if !ok {
		return proposed
	}
	if proposed < base-a.dailyCap {
		proposed = base - a.dailyCap
	}
	if proposed > base+a.dailyCap {
		proposed = base + a.dailyCap
	}
	return proposed
}

// redistribute spreads the compensating delta uniformly over the other
// agents and re-apportions any floating-point residual to the largest
// weight so the new version sums to exactly one.
func redistribute(weights map[string]float64, targetAgent string, proposed, applied float64) map[string]float64 {
	next := make(map[string]float64, len(weights))
	share := -applied / float64(len(weights)-1)
	for agent, w := range weights {
		if agent == targetAgent {
			next[agent] = proposed
		} else {
			next[agent] = w + share
		}
	}

	sum := 0.0
	for _, w := range next {
		sum += w
	}
	residual := 1.0 - sum
	if residual != 0 {
		next[largestAgent(next)] += residual
	}
	return next
}

// largestAgent picks the heaviest agent, breaking ties by name so the
// residual always lands in the same place.
func largestAgent(weights map[string]float64) string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	best := names[0]
	for _, name := range names[1:] {
		if weights[name] > weights[best] {
			best = name
		}
	}
	return best
}

func mean(samples []float64) float64 {
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}
