package metering

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/asap-run/asap/internal/syncx"
)

// MemoryRecorder is an in-memory Recorder, grounded on the same
// mutex-guarded-slice shape internal/webhook.deadLetterQueue and
// internal/snapshot.MemoryStore use. Useful for tests and for the
// no-database dev-mode the teacher's DevMode auth flag implies.
type MemoryRecorder struct {
	mu      sync.RWMutex
	events  []Event
	metrics []SLAMetric
}

// NewMemoryRecorder constructs an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) RecordEvent(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRecorder) ListEvents(ctx context.Context, agentID string, start, end time.Time, cursor syncx.Cursor, limit int) ([]Event, syncx.Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	startMs, endMs := start.UTC().UnixMilli(), end.UTC().UnixMilli()
	matching := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if e.AgentID != agentID || e.OccurredAtMs < startMs || e.OccurredAtMs >= endMs {
			continue
		}
		if e.OccurredAtMs < cursor.Ms || (e.OccurredAtMs == cursor.Ms && e.EventID.String() <= cursor.UID.String()) {
			continue
		}
		matching = append(matching, e)
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].OccurredAtMs != matching[j].OccurredAtMs {
			return matching[i].OccurredAtMs < matching[j].OccurredAtMs
		}
		return matching[i].EventID.String() < matching[j].EventID.String()
	})

	if len(matching) > limit {
		matching = matching[:limit]
	}

	var next syncx.Cursor
	if len(matching) > 0 {
		last := matching[len(matching)-1]
		next = syncx.Cursor{Ms: last.OccurredAtMs, UID: last.EventID}
	}
	return matching, next, nil
}

func (r *MemoryRecorder) QueryMetrics(ctx context.Context, agentID string, start, end time.Time, limit, offset int) ([]SLAMetric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matching := r.matchingMetricsLocked(agentID, start, end)
	if offset >= len(matching) {
		return []SLAMetric{}, nil
	}
	matching = matching[offset:]
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, nil
}

func (r *MemoryRecorder) CountMetrics(ctx context.Context, agentID string, start, end time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matchingMetricsLocked(agentID, start, end)), nil
}

func (r *MemoryRecorder) matchingMetricsLocked(agentID string, start, end time.Time) []SLAMetric {
	matching := make([]SLAMetric, 0, len(r.metrics))
	for _, m := range r.metrics {
		if m.AgentID != agentID {
			continue
		}
		if m.PeriodStart.Before(start) || m.PeriodEnd.After(end) {
			continue
		}
		matching = append(matching, m)
	}
	sort.Slice(matching, func(i, j int) bool {
		return matching[i].PeriodStart.Before(matching[j].PeriodStart)
	})
	return matching
}

// PutMetric inserts an SLAMetric directly, bypassing event aggregation —
// used by tests and by whatever offline aggregation job computes
// SLAMetric rows from the raw event log.
func (r *MemoryRecorder) PutMetric(m SLAMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
}
