package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warroomhq/warroom/internal/news"
	"github.com/warroomhq/warroom/internal/verify"
)

func testJobs(n int) []verify.HorizonJob {
	created := time.Date(2026, 2, 10, 14, 10, 0, 0, time.UTC)
	horizons := []news.Horizon{news.Horizon1D, news.Horizon1W, news.Horizon1M}
	interpretationID := uuid.New()

	jobs := make([]verify.HorizonJob, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, verify.HorizonJob{
			ID:               uuid.New(),
			InterpretationID: interpretationID,
			Horizon:          horizons[i%len(horizons)],
			DueAt:            created.Add(time.Duration(i+1) * 24 * time.Hour),
			Status:           verify.JobPending,
			CreatedAt:        created,
		})
	}
	return jobs
}

func TestInsertJobsOneTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewHorizonJobRepository(mock)
	jobs := testJobs(3)

	mock.ExpectBegin()
	for i := range jobs {
		job := jobs[i]
		mock.ExpectExec("INSERT INTO horizon_jobs").
			WithArgs(job.ID, job.InterpretationID, job.Horizon, job.DueAt,
				job.Attempts, job.Status, job.LastError, job.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, repo.InsertJobs(context.Background(), jobs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertJobsNothingToInsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewHorizonJobRepository(mock)

	require.NoError(t, repo.InsertJobs(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertJobsRollsBackOnFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewHorizonJobRepository(mock)
	jobs := testJobs(2)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO horizon_jobs").
		WithArgs(jobs[0].ID, jobs[0].InterpretationID, jobs[0].Horizon,
			jobs[0].DueAt, jobs[0].Attempts, jobs[0].Status, jobs[0].LastError,
			jobs[0].CreatedAt).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = repo.InsertJobs(context.Background(), jobs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert horizon job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDueJobsEarliestFirst(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewHorizonJobRepository(mock)
	now := time.Date(2026, 2, 12, 15, 0, 0, 0, time.UTC)

	first := testJobs(1)[0]
	second := testJobs(1)[0]
	second.DueAt = first.DueAt.Add(time.Hour)
	second.Attempts = 2
	second.LastError = "price feed unavailable"

	rows := pgxmock.NewRows([]string{
		"id", "interpretation_id", "horizon", "due_at", "attempts",
		"status", "last_error", "created_at",
	}).
		AddRow(first.ID, first.InterpretationID, first.Horizon, first.DueAt,
			first.Attempts, first.Status, first.LastError, first.CreatedAt).
		AddRow(second.ID, second.InterpretationID, second.Horizon, second.DueAt,
			second.Attempts, second.Status, second.LastError, second.CreatedAt)

	mock.ExpectQuery("FROM horizon_jobs").
		WithArgs(now, 50).
		WillReturnRows(rows)

	due, err := repo.DueJobs(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first.ID, due[0].ID)
	assert.Equal(t, verify.JobPending, due[0].Status)
	assert.Equal(t, 2, due[1].Attempts)
	assert.Equal(t, "price feed unavailable", due[1].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobUnknown(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewHorizonJobRepository(mock)
	job := testJobs(1)[0]
	job.Status = verify.JobDone

	mock.ExpectExec("UPDATE horizon_jobs").
		WithArgs(job.ID, job.DueAt, job.Attempts, job.Status, job.LastError).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.UpdateJob(context.Background(), &job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	require.NoError(t, mock.ExpectationsWereMet())
}
