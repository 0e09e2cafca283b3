package metering

import (
	"context"
	"time"

	"github.com/asap-run/asap/internal/syncx"
)

// Recorder is the append-only event log and aggregated-metrics query
// surface spec.md §4.15 describes. Defined as an interface, the same
// way internal/snapshot.Store and internal/delegation.RevocationStore
// are, so a test can swap in MemoryRecorder without a live database.
type Recorder interface {
	RecordEvent(ctx context.Context, e Event) error

	// ListEvents paginates the append-only event log for agentID within
	// [start, end) using cursor-based pagination — append-only logs have
	// a natural (occurred_at_ms, event_id) order a cursor can resume from
	// without an OFFSET rescanning skipped rows on every page.
	ListEvents(ctx context.Context, agentID string, start, end time.Time, cursor syncx.Cursor, limit int) ([]Event, syncx.Cursor, error)

	// QueryMetrics returns a page of aggregated SLA metrics for agentID
	// within [start, end). PostgresRecorder pushes LIMIT/OFFSET into the
	// SQL query itself; MemoryRecorder filters and slices its in-memory
	// list.
	QueryMetrics(ctx context.Context, agentID string, start, end time.Time, limit, offset int) ([]SLAMetric, error)

	// CountMetrics returns the total row count for the same filter
	// QueryMetrics uses, for pagination metadata.
	CountMetrics(ctx context.Context, agentID string, start, end time.Time) (int, error)
}
