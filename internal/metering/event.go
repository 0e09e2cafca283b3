// Package metering implements ASAP's C15 component: the append-only
// usage event log and aggregated SLA metrics recorder.
package metering

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// percentPattern matches a numeric percentage like "99.95" or "100" —
// SLA fields are validated against it at construction time so a
// malformed percentage rejects the whole model rather than silently
// disabling a breach check.
var percentPattern = regexp.MustCompile(`^(100(\.0+)?|[0-9]{1,2}(\.[0-9]+)?)$`)

// Event is one append-only usage record: a single request or task
// outcome attributed to an agent. EventID/OccurredAtMs follow the same
// uuid.UUID + millisecond-timestamp shape internal/syncx.Cursor indexes
// on, so querying reuses the same cursor encoding.
type Event struct {
	EventID      uuid.UUID
	AgentID      string
	Method       string
	StatusCode   int
	DurationMs   int64
	CostUnits    float64
	OccurredAtMs int64
}

// NewEvent constructs an Event with a fresh id, validating required
// fields. agentID is stored and returned verbatim (never a token or
// credential) per the metering hook's "sanitized agent_id" requirement.
func NewEvent(agentID, method string, statusCode int, durationMs int64, costUnits float64, occurredAt time.Time) (Event, error) {
	if agentID == "" {
		return Event{}, fmt.Errorf("metering event: agent_id is required")
	}
	if method == "" {
		return Event{}, fmt.Errorf("metering event: method is required")
	}
	if durationMs < 0 {
		return Event{}, fmt.Errorf("metering event: duration_ms must be non-negative, got %d", durationMs)
	}
	if costUnits < 0 {
		return Event{}, fmt.Errorf("metering event: cost_units must be non-negative, got %v", costUnits)
	}
	return Event{
		EventID:      uuid.New(),
		AgentID:      agentID,
		Method:       method,
		StatusCode:   statusCode,
		DurationMs:   durationMs,
		CostUnits:    costUnits,
		OccurredAtMs: occurredAt.UTC().UnixMilli(),
	}, nil
}

// SLAMetric is an aggregated SLA measurement for one agent over one
// period. Percentage fields are strings (not float64) so the exact
// operator-facing value survives round-tripping, validated against
// percentPattern at construction time.
type SLAMetric struct {
	AgentID         string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	AvailabilityPct string
	ErrorRatePct    string
	P99LatencyMs    int64
}

// NewSLAMetric validates availabilityPct and errorRatePct against
// percentPattern before constructing the metric, per spec.md §4.15's
// "invalid values reject the whole model rather than silently disabling
// a breach check".
func NewSLAMetric(agentID string, periodStart, periodEnd time.Time, availabilityPct, errorRatePct string, p99LatencyMs int64) (SLAMetric, error) {
	if agentID == "" {
		return SLAMetric{}, fmt.Errorf("sla metric: agent_id is required")
	}
	if !percentPattern.MatchString(availabilityPct) {
		return SLAMetric{}, fmt.Errorf("sla metric: availability_pct %q is not a valid percentage", availabilityPct)
	}
	if !percentPattern.MatchString(errorRatePct) {
		return SLAMetric{}, fmt.Errorf("sla metric: error_rate_pct %q is not a valid percentage", errorRatePct)
	}
	if !periodEnd.After(periodStart) {
		return SLAMetric{}, fmt.Errorf("sla metric: period_end must be after period_start")
	}
	return SLAMetric{
		AgentID:         agentID,
		PeriodStart:     periodStart.UTC(),
		PeriodEnd:       periodEnd.UTC(),
		AvailabilityPct: availabilityPct,
		ErrorRatePct:    errorRatePct,
		P99LatencyMs:    p99LatencyMs,
	}, nil
}
