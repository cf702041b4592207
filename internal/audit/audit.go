// Package audit keeps the append-only event trail. A Recorder subscribes
// to every bus topic and writes one audit_events row per event. Append
// failures cost a counter and a log line; they never propagate into the
// trading path that raised the event, because the bus contains handler
// errors.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/bus"
	"github.com/warroomhq/warroom/internal/db"
	"github.com/warroomhq/warroom/internal/metrics"
)

// Severity classifies a trail entry
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// severityFor maps a topic to its trail severity. Events that stop or
// endanger trading are ERROR, degraded-but-handled outcomes WARNING,
// everything else INFO.
func severityFor(topic bus.Topic) Severity {
	switch topic {
	case bus.TopicErrorOccurred, bus.TopicKillSwitch, bus.TopicOrderFailed:
		return SeverityError
	case bus.TopicOrderRejected, bus.TopicSignalRejected,
		bus.TopicRiskLimitExceeded, bus.TopicPositionStopLoss:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Entry is one persisted trail row
type Entry struct {
	Seq        int64
	EventID    uuid.UUID
	Topic      bus.Topic
	Severity   Severity
	OccurredAt time.Time
	Payload    map[string]interface{}
}

// Recorder is the bus-to-Postgres audit consumer
type Recorder struct {
	pool   db.Pool
	logger zerolog.Logger
}

// NewRecorder creates an audit recorder writing through pool
func NewRecorder(pool db.Pool, logger zerolog.Logger) *Recorder {
	return &Recorder{
		pool:   pool,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Attach subscribes the recorder to every topic on b
func (r *Recorder) Attach(b *bus.Bus) {
	b.SubscribeAll("audit", r.record)
	r.logger.Info().Msg("Audit trail attached to event bus")
}

// record appends one event to the trail. A payload value that resists
// JSON encoding drops the payload, not the row; the envelope is always
// kept.
func (r *Recorder) record(ctx context.Context, evt bus.Event) error {
	start := time.Now()

	var payload []byte
	if len(evt.Payload) > 0 {
		encoded, err := json.Marshal(evt.Payload)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("topic", string(evt.Topic)).
				Str("event_id", evt.ID.String()).
				Msg("Audit payload not JSON-encodable, keeping envelope only")
		} else {
			payload = encoded
		}
	}

	severity := severityFor(evt.Topic)

	query := `
		INSERT INTO audit_events (event_id, topic, severity, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query, evt.ID, evt.Topic, severity, evt.At, payload)
	if err != nil {
		metrics.AuditWriteFailures.Inc()
		return fmt.Errorf("failed to append audit event %s: %w", evt.ID, err)
	}

	metrics.RecordAuditEvent(string(evt.Topic), string(severity),
		float64(time.Since(start).Milliseconds()))

	return nil
}

// Recent returns up to limit trail entries, newest first. An empty topic
// spans all topics.
func (r *Recorder) Recent(ctx context.Context, topic bus.Topic, limit int) ([]Entry, error) {
	query := `
		SELECT id, event_id, topic, severity, occurred_at, payload
		FROM audit_events
		ORDER BY id DESC
		LIMIT $1
	`
	args := []interface{}{limit}

	if topic != "" {
		query = `
			SELECT id, event_id, topic, severity, occurred_at, payload
			FROM audit_events
			WHERE topic = $1
			ORDER BY id DESC
			LIMIT $2
		`
		args = []interface{}{topic, limit}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var payload []byte

		err := rows.Scan(&entry.Seq, &entry.EventID, &entry.Topic,
			&entry.Severity, &entry.OccurredAt, &payload)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload for event %s: %w",
					entry.EventID, err)
			}
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}

	return entries, nil
}
