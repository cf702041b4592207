package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warroomhq/warroom/internal/bus"
)

func testEvent(topic bus.Topic, payload map[string]interface{}) bus.Event {
	return bus.Event{
		ID:      uuid.New(),
		Topic:   topic,
		At:      time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC),
		Payload: payload,
	}
}

func TestSeverityMapping(t *testing.T) {
	tests := []struct {
		topic bus.Topic
		want  Severity
	}{
		{bus.TopicErrorOccurred, SeverityError},
		{bus.TopicKillSwitch, SeverityError},
		{bus.TopicOrderFailed, SeverityError},
		{bus.TopicOrderRejected, SeverityWarning},
		{bus.TopicSignalRejected, SeverityWarning},
		{bus.TopicRiskLimitExceeded, SeverityWarning},
		{bus.TopicPositionStopLoss, SeverityWarning},
		{bus.TopicOrderFilled, SeverityInfo},
		{bus.TopicConsensusReached, SeverityInfo},
		{bus.TopicSystemStarted, SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(string(tt.topic), func(t *testing.T) {
			assert.Equal(t, tt.want, severityFor(tt.topic))
		})
	}
}

func TestRecordAppendsRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := NewRecorder(mock, zerolog.Nop())
	evt := testEvent(bus.TopicOrderFilled, map[string]interface{}{"ticker": "AAPL"})

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(evt.ID, bus.TopicOrderFilled, SeverityInfo, evt.At,
			[]byte(`{"ticker":"AAPL"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, rec.record(context.Background(), evt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordNilPayloadStoresNull(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := NewRecorder(mock, zerolog.Nop())
	evt := testEvent(bus.TopicSystemStarted, nil)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(evt.ID, bus.TopicSystemStarted, SeverityInfo, evt.At, []byte(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, rec.record(context.Background(), evt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUnencodablePayloadKeepsEnvelope(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := NewRecorder(mock, zerolog.Nop())
	evt := testEvent(bus.TopicKillSwitch, map[string]interface{}{"stop": make(chan int)})

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(evt.ID, bus.TopicKillSwitch, SeverityError, evt.At, []byte(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, rec.record(context.Background(), evt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordInsertFailureReturnsError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := NewRecorder(mock, zerolog.Nop())
	evt := testEvent(bus.TopicOrderSent, map[string]interface{}{"ticker": "NVDA"})

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(evt.ID, bus.TopicOrderSent, SeverityInfo, evt.At, pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err = rec.record(context.Background(), evt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to append audit event")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorderCapturesBusTraffic(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := NewRecorder(mock, zerolog.Nop())
	b := bus.New(zerolog.Nop(), 16)
	defer b.Close()
	rec.Attach(b)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(pgxmock.AnyArg(), bus.TopicKillSwitch, SeverityError, pgxmock.AnyArg(),
			[]byte(`{"reason":"daily_loss"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = b.Publish(context.Background(), bus.TopicKillSwitch,
		map[string]interface{}{"reason": "daily_loss"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBusPublishSurvivesAuditFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := NewRecorder(mock, zerolog.Nop())
	b := bus.New(zerolog.Nop(), 16)
	defer b.Close()
	rec.Attach(b)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("database is shutting down"))

	err = b.Publish(context.Background(), bus.TopicOrderFilled,
		map[string]interface{}{"ticker": "AAPL"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentNewestFirst(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := NewRecorder(mock, zerolog.Nop())
	newerID := uuid.New()
	olderID := uuid.New()
	at := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{
		"id", "event_id", "topic", "severity", "occurred_at", "payload",
	}).
		AddRow(int64(12), newerID, bus.TopicOrderFilled, SeverityInfo, at,
			[]byte(`{"ticker":"AAPL"}`)).
		AddRow(int64(7), olderID, bus.TopicOrderFilled, SeverityInfo, at.Add(-time.Minute),
			[]byte(nil))

	mock.ExpectQuery("FROM audit_events").
		WithArgs(bus.TopicOrderFilled, 10).
		WillReturnRows(rows)

	entries, err := rec.Recent(context.Background(), bus.TopicOrderFilled, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(12), entries[0].Seq)
	assert.Equal(t, newerID, entries[0].EventID)
	assert.Equal(t, "AAPL", entries[0].Payload["ticker"])
	assert.Equal(t, int64(7), entries[1].Seq)
	assert.Nil(t, entries[1].Payload)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentAllTopics(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := NewRecorder(mock, zerolog.Nop())
	at := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{
		"id", "event_id", "topic", "severity", "occurred_at", "payload",
	}).
		AddRow(int64(3), uuid.New(), bus.TopicKillSwitch, SeverityError, at, []byte(nil)).
		AddRow(int64(2), uuid.New(), bus.TopicOrderSent, SeverityInfo, at, []byte(nil))

	mock.ExpectQuery("FROM audit_events").
		WithArgs(25).
		WillReturnRows(rows)

	entries, err := rec.Recent(context.Background(), "", 25)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, bus.TopicKillSwitch, entries[0].Topic)
	assert.Equal(t, SeverityError, entries[0].Severity)
	require.NoError(t, mock.ExpectationsWereMet())
}
