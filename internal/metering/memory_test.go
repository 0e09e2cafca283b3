package metering

import (
	"context"
	"testing"
	"time"

	"github.com/asap-run/asap/internal/syncx"
)

func TestMemoryRecorder_RecordAndListEvents(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()
	base := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e, err := NewEvent("agent:1", "asap.task.submit", 200, int64(i), 1.0, base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("NewEvent: %v", err)
		}
		if err := r.RecordEvent(ctx, e); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	// an event for a different agent should never appear in agent:1's page
	other, _ := NewEvent("agent:2", "asap.task.submit", 200, 1, 1.0, base)
	r.RecordEvent(ctx, other)

	page1, cursor1, err := r.ListEvents(ctx, "agent:1", base.Add(-time.Hour), base.Add(time.Hour), syncx.Cursor{}, 2)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 len = %d, want 2", len(page1))
	}

	page2, _, err := r.ListEvents(ctx, "agent:1", base.Add(-time.Hour), base.Add(time.Hour), cursor1, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(page2) != 3 {
		t.Fatalf("page2 len = %d, want 3 (5 total - 2 already paged)", len(page2))
	}

	for _, e := range append(page1, page2...) {
		if e.AgentID != "agent:1" {
			t.Fatalf("leaked event from another agent: %+v", e)
		}
	}
}

func TestMemoryRecorder_QueryAndCountMetrics(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 7; i++ {
		periodStart := start.AddDate(0, i, 0)
		m, err := NewSLAMetric("agent:1", periodStart, periodStart.AddDate(0, 1, 0), "99.9", "0.1", 200)
		if err != nil {
			t.Fatalf("NewSLAMetric: %v", err)
		}
		r.PutMetric(m)
	}

	total, err := r.CountMetrics(ctx, "agent:1", start, start.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("CountMetrics: %v", err)
	}
	if total != 7 {
		t.Fatalf("total = %d, want 7", total)
	}

	page, err := r.QueryMetrics(ctx, "agent:1", start, start.AddDate(1, 0, 0), 3, 3)
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page len = %d, want 3", len(page))
	}
	if !page[0].PeriodStart.Equal(start.AddDate(0, 3, 0)) {
		t.Fatalf("page[0].PeriodStart = %v, want offset-3 period", page[0].PeriodStart)
	}

	empty, err := r.QueryMetrics(ctx, "agent:1", start, start.AddDate(1, 0, 0), 10, 100)
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(empty))
	}
}
