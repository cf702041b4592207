package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warroomhq/warroom/internal/news"
)

func testInterpretation() *news.Interpretation {
	return &news.Interpretation{
		ID:                 uuid.New(),
		ArticleID:          uuid.New(),
		Ticker:             "AAPL",
		Sentiment:          news.SentimentBullish,
		ImpactScore:        7.5,
		Actionable:         true,
		PredictedDirection: news.DirectionUp,
		PredictedMagnitude: 2.4,
		TimeHorizon:        news.Horizon1W,
		Confidence:         0.8,
		PriceAtPrediction:  decimal.NewFromFloat(187.30),
		CreatedAt:          time.Date(2026, 2, 10, 14, 10, 0, 0, time.UTC),
	}
}

func TestInsertInterpretationAdoptsCanonicalRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewInterpretationRepository(mock)
	in := testInterpretation()

	// A replay for the same (article, ticker) returns the id and
	// timestamp of the row written the first time around.
	canonicalID := uuid.New()
	canonicalAt := in.CreatedAt.Add(-time.Hour)

	mock.ExpectQuery("INSERT INTO interpretations").
		WithArgs(in.ID, in.ArticleID, in.Ticker, in.Sentiment, in.ImpactScore,
			in.Actionable, in.PredictedDirection, in.PredictedMagnitude,
			in.TimeHorizon, in.Confidence, in.PriceAtPrediction, in.CreatedAt).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).
			AddRow(canonicalID, canonicalAt))

	require.NoError(t, repo.InsertInterpretation(context.Background(), in))
	assert.Equal(t, canonicalID, in.ID)
	assert.Equal(t, canonicalAt, in.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInterpretationLoadsRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewInterpretationRepository(mock)
	want := testInterpretation()

	rows := pgxmock.NewRows([]string{
		"id", "article_id", "ticker", "sentiment", "impact_score",
		"actionable", "predicted_direction", "predicted_magnitude",
		"time_horizon", "confidence", "price_at_prediction", "created_at",
	}).AddRow(want.ID, want.ArticleID, want.Ticker, want.Sentiment,
		want.ImpactScore, want.Actionable, want.PredictedDirection,
		want.PredictedMagnitude, want.TimeHorizon, want.Confidence,
		want.PriceAtPrediction, want.CreatedAt)

	mock.ExpectQuery("SELECT id, article_id, ticker, sentiment").
		WithArgs(want.ID).
		WillReturnRows(rows)

	got, err := repo.Interpretation(context.Background(), want.ID)
	require.NoError(t, err)
	assert.Equal(t, want.Ticker, got.Ticker)
	assert.Equal(t, news.SentimentBullish, got.Sentiment)
	assert.Equal(t, news.Horizon1W, got.TimeHorizon)
	assert.True(t, got.PriceAtPrediction.Equal(want.PriceAtPrediction))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInterpretationMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewInterpretationRepository(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT id, article_id, ticker, sentiment").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.Interpretation(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load interpretation")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReactionReplayIsNoOp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewInterpretationRepository(mock)
	reaction := &news.Reaction{
		InterpretationID: uuid.New(),
		Horizon:          news.Horizon1D,
		ActualDirection:  news.DirectionUp,
		ActualMagnitude:  1.9,
		PriceAfter:       decimal.NewFromFloat(190.85),
		Accuracy:         0.92,
		VerifiedAt:       time.Date(2026, 2, 11, 14, 10, 0, 0, time.UTC),
	}

	mock.ExpectExec("INSERT INTO reactions").
		WithArgs(reaction.InterpretationID, reaction.Horizon,
			reaction.ActualDirection, reaction.ActualMagnitude,
			reaction.PriceAfter, reaction.Accuracy, reaction.VerifiedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, repo.InsertReaction(context.Background(), reaction))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccuracySamplesForHorizon(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewInterpretationRepository(mock)
	since := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"accuracy"}).
		AddRow(0.9).
		AddRow(0.4).
		AddRow(0.65)

	mock.ExpectQuery("SELECT accuracy FROM reactions").
		WithArgs(news.Horizon1D, since).
		WillReturnRows(rows)

	samples, err := repo.AccuracySamples(context.Background(), news.Horizon1D, since)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.4, 0.65}, samples)
	require.NoError(t, mock.ExpectationsWereMet())
}
