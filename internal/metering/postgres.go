package metering

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/asap-run/asap/internal/syncx"
)

// PostgresRecorder backs Recorder with two tables:
//
//	CREATE TABLE metering_event (
//	    event_id        uuid PRIMARY KEY,
//	    agent_id        text NOT NULL,
//	    method          text NOT NULL,
//	    status_code     int  NOT NULL,
//	    duration_ms     bigint NOT NULL,
//	    cost_units      double precision NOT NULL,
//	    occurred_at_ms  bigint NOT NULL
//	);
//	CREATE INDEX ON metering_event (agent_id, occurred_at_ms, event_id);
//
//	CREATE TABLE sla_metric (
//	    agent_id          text NOT NULL,
//	    period_start      timestamptz NOT NULL,
//	    period_end        timestamptz NOT NULL,
//	    availability_pct  text NOT NULL,
//	    error_rate_pct    text NOT NULL,
//	    p99_latency_ms    bigint NOT NULL,
//	    PRIMARY KEY (agent_id, period_start)
//	);
//
// grounded on internal/service/syncservice.TaskListService's pgxpool.Pool
// field and query shape.
type PostgresRecorder struct {
	db *pgxpool.Pool
}

// NewPostgresRecorder constructs a PostgresRecorder over db.
func NewPostgresRecorder(db *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) RecordEvent(ctx context.Context, e Event) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO metering_event
			(event_id, agent_id, method, status_code, duration_ms, cost_units, occurred_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.EventID, e.AgentID, e.Method, e.StatusCode, e.DurationMs, e.CostUnits, e.OccurredAtMs)
	if err != nil {
		log.Error().Err(err).Str("agent_id", e.AgentID).Msg("failed to record metering event")
		return err
	}
	return nil
}

func (r *PostgresRecorder) ListEvents(ctx context.Context, agentID string, start, end time.Time, cursor syncx.Cursor, limit int) ([]Event, syncx.Cursor, error) {
	rows, err := r.db.Query(ctx, `
		SELECT event_id, agent_id, method, status_code, duration_ms, cost_units, occurred_at_ms
		FROM metering_event
		WHERE agent_id = $1
		  AND occurred_at_ms >= $2 AND occurred_at_ms < $3
		  AND (occurred_at_ms, event_id) > ($4, $5::uuid)
		ORDER BY occurred_at_ms, event_id
		LIMIT $6
	`, agentID, start.UTC().UnixMilli(), end.UTC().UnixMilli(), cursor.Ms, cursor.UID, limit)
	if err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("failed to list metering events")
		return nil, syncx.Cursor{}, err
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	var next syncx.Cursor
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.AgentID, &e.Method, &e.StatusCode, &e.DurationMs, &e.CostUnits, &e.OccurredAtMs); err != nil {
			log.Error().Err(err).Msg("failed to scan metering event row")
			return nil, syncx.Cursor{}, err
		}
		events = append(events, e)
		next = syncx.Cursor{Ms: e.OccurredAtMs, UID: e.EventID}
	}
	if err := rows.Err(); err != nil {
		return nil, syncx.Cursor{}, err
	}
	return events, next, nil
}

func (r *PostgresRecorder) QueryMetrics(ctx context.Context, agentID string, start, end time.Time, limit, offset int) ([]SLAMetric, error) {
	rows, err := r.db.Query(ctx, `
		SELECT agent_id, period_start, period_end, availability_pct, error_rate_pct, p99_latency_ms
		FROM sla_metric
		WHERE agent_id = $1
		  AND period_start >= $2 AND period_end <= $3
		ORDER BY period_start
		LIMIT $4 OFFSET $5
	`, agentID, start.UTC(), end.UTC(), limit, offset)
	if err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("failed to query sla metrics")
		return nil, err
	}
	defer rows.Close()

	metrics := make([]SLAMetric, 0, limit)
	for rows.Next() {
		var m SLAMetric
		if err := rows.Scan(&m.AgentID, &m.PeriodStart, &m.PeriodEnd, &m.AvailabilityPct, &m.ErrorRatePct, &m.P99LatencyMs); err != nil {
			log.Error().Err(err).Msg("failed to scan sla metric row")
			return nil, err
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return metrics, nil
}

func (r *PostgresRecorder) CountMetrics(ctx context.Context, agentID string, start, end time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT count(*)
		FROM sla_metric
		WHERE agent_id = $1
		  AND period_start >= $2 AND period_end <= $3
	`, agentID, start.UTC(), end.UTC()).Scan(&count)
	if err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("failed to count sla metrics")
		return 0, err
	}
	return count, nil
}
