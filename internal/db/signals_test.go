package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warroomhq/warroom/internal/signals"
	"github.com/warroomhq/warroom/internal/warroom"
)

func TestInsertSignalStoresRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSignalRepository(mock)

	stop := decimal.NewFromFloat(180.00)
	articleID := uuid.New()
	sig := &signals.Signal{
		ID:              uuid.New(),
		Ticker:          "AAPL",
		Action:          warroom.ActionBuy,
		Confidence:      0.74,
		PositionSizePct: decimal.NewFromFloat(0.05),
		Quantity:        27,
		Entry:           decimal.NewFromFloat(187.30),
		StopLoss:        &stop,
		Reason:          "war room approved buy on earnings beat",
		Urgency:         signals.UrgencyMed,
		ExecutionType:   signals.ExecutionMarket,
		SourceArticleID: &articleID,
		CreatedAt:       time.Date(2026, 2, 10, 14, 31, 0, 0, time.UTC),
		Status:          signals.StatusActive,
	}

	mock.ExpectExec("INSERT INTO signals").
		WithArgs(sig.ID, sig.Ticker, sig.Action, sig.Confidence,
			sig.PositionSizePct, sig.Quantity, sig.Entry, sig.StopLoss,
			sig.TakeProfit, sig.Reason, sig.Urgency, sig.ExecutionType,
			sig.SourceArticleID, sig.DeliberationID, sig.CreatedAt, sig.Status).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.InsertSignal(context.Background(), sig))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSignalStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSignalRepository(mock)
	id := uuid.New()

	mock.ExpectExec("UPDATE signals SET status").
		WithArgs(id, signals.StatusExecuted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.UpdateSignalStatus(context.Background(), id, signals.StatusExecuted))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSignalStatusUnknownSignal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSignalRepository(mock)
	id := uuid.New()

	mock.ExpectExec("UPDATE signals SET status").
		WithArgs(id, signals.StatusCancelled).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.UpdateSignalStatus(context.Background(), id, signals.StatusCancelled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	require.NoError(t, mock.ExpectationsWereMet())
}
