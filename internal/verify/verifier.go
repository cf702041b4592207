// Package verify scores news interpretations against what the market
// actually did. Every stored prediction gets one job per horizon; when a
// job comes due the verifier fetches the realized price, grades the
// prediction, and writes the reaction back for the learning loop.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/market"
	"github.com/warroomhq/warroom/internal/metrics"
	"github.com/warroomhq/warroom/internal/news"
)

// tinyMagnitude is the predicted-magnitude floor below which the
// magnitude ratio reads as a full match. Grading "0.001% move" against
// any realized move would otherwise zero out an honest flat call.
const tinyMagnitude = 0.01

// slideDays caps how far forward a price lookup walks when the horizon
// lands on a closed market. Three calendar days clears a weekend plus
// one holiday.
const slideDays = 3

// JobStatus is a horizon job's lifecycle state
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobDone         JobStatus = "done"
	JobManualReview JobStatus = "manual_review"
)

// HorizonJob is one future check of one interpretation
type HorizonJob struct {
	ID               uuid.UUID
	InterpretationID uuid.UUID
	Horizon          news.Horizon
	DueAt            time.Time
	Attempts         int
	Status           JobStatus
	LastError        string
	CreatedAt        time.Time
}

// JobStore persists horizon jobs. Inserts are idempotent on
// (interpretation, horizon) so re-scheduling an interpretation never
// doubles its jobs.
type JobStore interface {
	InsertJobs(ctx context.Context, jobs []HorizonJob) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]HorizonJob, error)
	UpdateJob(ctx context.Context, job *HorizonJob) error
}

// PredictionStore loads the interpretation a job grades and stores the
// realized reaction.
type PredictionStore interface {
	Interpretation(ctx context.Context, id uuid.UUID) (*news.Interpretation, error)
	InsertReaction(ctx context.Context, r *news.Reaction) error
}

// Verifier grades due horizon jobs.
type Verifier struct {
	jobs   JobStore
	preds  PredictionStore
	market market.Adapter
	bus    *bus.Bus
	logger zerolog.Logger

	retryMax int
	backoff  time.Duration
	batch    int
}

func NewVerifier(jobs JobStore, preds PredictionStore, mkt market.Adapter, b *bus.Bus, cfg config.VerifyConfig, logger zerolog.Logger) *Verifier {
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Minute
	}
	return &Verifier{
		jobs:     jobs,
		preds:    preds,
		market:   mkt,
		bus:      b,
		logger:   logger.With().Str("component", "verifier").Logger(),
		retryMax: retryMax,
		backoff:  backoff,
		batch:    50,
	}
}

// Schedule registers one job per horizon for a stored interpretation.
func (v *Verifier) Schedule(ctx context.Context, interp news.Interpretation) error {
	now := time.Now().UTC()
	jobs := make([]HorizonJob, 0, len(news.Horizons))
	for _, h := range news.Horizons {
		jobs = append(jobs, HorizonJob{
			ID:               uuid.New(),
			InterpretationID: interp.ID,
			Horizon:          h,
			DueAt:            interp.CreatedAt.Add(h.Offset()),
			Status:           JobPending,
			CreatedAt:        now,
		})
	}
	if err := v.jobs.InsertJobs(ctx, jobs); err != nil {
		return fmt.Errorf("failed to schedule horizon jobs for %s: %w", interp.ID, err)
	}
	return nil
}

// RunDue processes every job whose due time has passed. One bad job
// never blocks the rest of the batch.
func (v *Verifier) RunDue(ctx context.Context) error {
	due, err := v.jobs.DueJobs(ctx, time.Now().UTC(), v.batch)
	if err != nil {
		return fmt.Errorf("failed to list due horizon jobs: %w", err)
	}
	for i := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := v.process(ctx, &due[i]); err != nil {
			v.logger.Error().Err(err).
				Str("job_id", due[i].ID.String()).
				Str("horizon", string(due[i].Horizon)).
				Msg("horizon job failed")
		}
	}
	return nil
}

func (v *Verifier) process(ctx context.Context, job *HorizonJob) error {
	interp, err := v.preds.Interpretation(ctx, job.InterpretationID)
	if err != nil {
		return v.retryOrPark(ctx, job, fmt.Errorf("failed to load interpretation: %w", err))
	}

	reference := interp.CreatedAt.Add(job.Horizon.Offset())
	price, err := v.priceNear(ctx, interp.Ticker, reference)
	if err != nil {
		return v.retryOrPark(ctx, job, err)
	}

	reaction := grade(interp, job.Horizon, price)
	if err := v.preds.InsertReaction(ctx, &reaction); err != nil {
		return v.retryOrPark(ctx, job, fmt.Errorf("failed to store reaction: %w", err))
	}

	job.Status = JobDone
	job.LastError = ""
	if err := v.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to close horizon job %s: %w", job.ID, err)
	}

	metrics.VerificationJobs.WithLabelValues(string(job.Horizon), "done").Inc()
	metrics.VerificationAccuracy.WithLabelValues(string(job.Horizon)).Observe(reaction.Accuracy)
	v.logger.Info().
		Str("interpretation_id", interp.ID.String()).
		Str("ticker", interp.Ticker).
		Str("horizon", string(job.Horizon)).
		Float64("accuracy", reaction.Accuracy).
		Str("actual_direction", string(reaction.ActualDirection)).
		Msg("interpretation verified")
	return nil
}

// priceNear fetches the price at the reference time, sliding forward a
// calendar day at a time when the market had no trade there. Errors
// other than an absent price are left for the retry path.
func (v *Verifier) priceNear(ctx context.Context, ticker string, at time.Time) (price decimal.Decimal, err error) {
	for day := 0; day <= slideDays; day++ {
		price, err = v.market.Price(ctx, ticker, at.AddDate(0, 0, day))
		if err == nil {
			return price, nil
		}
		if !errors.Is(err, market.ErrPriceUnavailable) {
			return price, err
		}
	}
	return price, fmt.Errorf("no price for %s within %d days of %s: %w",
		ticker, slideDays, at.Format("2006-01-02"), market.ErrPriceUnavailable)
}

// retryOrPark reschedules a failed job with exponential backoff until
// its attempts run out, then parks it for a human.
func (v *Verifier) retryOrPark(ctx context.Context, job *HorizonJob, cause error) error {
	job.Attempts++
	job.LastError = cause.Error()

	if job.Attempts >= v.retryMax {
		job.Status = JobManualReview
		if err := v.jobs.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("failed to park horizon job %s: %w", job.ID, err)
		}
		metrics.VerificationJobs.WithLabelValues(string(job.Horizon), "manual_review").Inc()
		v.logger.Warn().
			Str("job_id", job.ID.String()).
			Str("horizon", string(job.Horizon)).
			Int("attempts", job.Attempts).
			Err(cause).
			Msg("horizon job parked for manual review")
		if perr := v.bus.Publish(ctx, bus.TopicErrorOccurred, map[string]interface{}{
			"component":         "verifier",
			"job_id":            job.ID.String(),
			"interpretation_id": job.InterpretationID.String(),
			"horizon":           string(job.Horizon),
			"error":             cause.Error(),
		}); perr != nil {
			v.logger.Warn().Err(perr).Msg("failed to publish verification failure")
		}
		return cause
	}

	job.DueAt = time.Now().UTC().Add(v.backoff << (job.Attempts - 1))
	if err := v.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to reschedule horizon job %s: %w", job.ID, err)
	}
	metrics.VerificationJobs.WithLabelValues(string(job.Horizon), "retry").Inc()
	v.logger.Warn().
		Str("job_id", job.ID.String()).
		Int("attempt", job.Attempts).
		Time("next_due", job.DueAt).
		Err(cause).
		Msg("horizon job rescheduled")
	return nil
}

// grade scores one prediction against the realized price.
func grade(interp *news.Interpretation, h news.Horizon, price decimal.Decimal) news.Reaction {
	var actualDir news.Direction
	var actualMag float64

	if interp.PriceAtPrediction.IsPositive() {
		ret := price.Sub(interp.PriceAtPrediction).Div(interp.PriceAtPrediction)
		switch {
		case ret.IsPositive():
			actualDir = news.DirectionUp
		case ret.IsNegative():
			actualDir = news.DirectionDown
		default:
			actualDir = news.DirectionFlat
		}
		actualMag = ret.Abs().InexactFloat64() * 100
	} else {
		// No reference price was stamped at prediction time; the move
		// cannot be measured, only the direction defaulted to flat.
		actualDir = news.DirectionFlat
	}

	accuracy := 0.0
	if actualDir == interp.PredictedDirection {
		accuracy = math.Sqrt(magRatio(actualMag, interp.PredictedMagnitude))
	}

	return news.Reaction{
		InterpretationID: interp.ID,
		Horizon:          h,
		ActualDirection:  actualDir,
		ActualMagnitude:  actualMag,
		PriceAfter:       price,
		Accuracy:         accuracy,
		VerifiedAt:       time.Now().UTC(),
	}
}

// InterpretationSink matches the signal pipeline's interpretation
// store.
type InterpretationSink interface {
	InsertInterpretation(ctx context.Context, in *news.Interpretation) error
}

// SchedulingSink decorates an interpretation sink so every stored
// prediction is queued for verification in the same breath. Upstream
// insert idempotency plus the job store's (interpretation, horizon)
// uniqueness keep replays harmless.
type SchedulingSink struct {
	inner    InterpretationSink
	verifier *Verifier
}

func NewSchedulingSink(inner InterpretationSink, v *Verifier) *SchedulingSink {
	return &SchedulingSink{inner: inner, verifier: v}
}

func (s *SchedulingSink) InsertInterpretation(ctx context.Context, in *news.Interpretation) error {
	if err := s.inner.InsertInterpretation(ctx, in); err != nil {
		return err
	}
	return s.verifier.Schedule(ctx, *in)
}

// magRatio compares realized and predicted move sizes on (0,1]. A
// prediction too small to grade honestly counts as fully matched.
func magRatio(actual, predicted float64) float64 {
	if predicted < tinyMagnitude {
		return 1
	}
	if actual <= 0 {
		return 0
	}
	ratio := actual / predicted
	if ratio > 1 {
		ratio = predicted / actual
	}
	if ratio <= 0 {
		return 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}
