package metering

import (
	"testing"
	"time"
)

func TestNewEvent_ValidatesRequiredFields(t *testing.T) {
	now := time.Now()
	if _, err := NewEvent("", "asap.task.submit", 200, 12, 1.0, now); err == nil {
		t.Fatal("expected rejection of empty agent_id")
	}
	if _, err := NewEvent("agent:1", "", 200, 12, 1.0, now); err == nil {
		t.Fatal("expected rejection of empty method")
	}
	if _, err := NewEvent("agent:1", "asap.task.submit", 200, -1, 1.0, now); err == nil {
		t.Fatal("expected rejection of negative duration_ms")
	}
	if _, err := NewEvent("agent:1", "asap.task.submit", 200, 12, -0.5, now); err == nil {
		t.Fatal("expected rejection of negative cost_units")
	}
}

func TestNewEvent_SetsTimestampAndID(t *testing.T) {
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	e, err := NewEvent("agent:1", "asap.task.submit", 200, 12, 1.0, now)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if e.EventID.String() == "" {
		t.Error("expected a non-empty event id")
	}
	if e.OccurredAtMs != now.UnixMilli() {
		t.Errorf("OccurredAtMs = %d, want %d", e.OccurredAtMs, now.UnixMilli())
	}
}

func TestNewSLAMetric_ValidatesPercentageFields(t *testing.T) {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	cases := []struct {
		name            string
		availability    string
		errorRate       string
		wantErr         bool
	}{
		{"valid values", "99.95", "0.05", false},
		{"valid whole percent", "100", "0", false},
		{"invalid availability - non numeric", "high", "0.05", true},
		{"invalid availability - out of range", "150", "0.05", true},
		{"invalid error rate - trailing junk", "99.95", "0.05%", true},
		{"invalid error rate - empty", "99.95", "", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewSLAMetric("agent:1", start, end, c.availability, c.errorRate, 250)
			if c.wantErr && err == nil {
				t.Fatalf("expected rejection of availability=%q error_rate=%q", c.availability, c.errorRate)
			}
			if !c.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewSLAMetric_RejectsInvertedPeriod(t *testing.T) {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	if _, err := NewSLAMetric("agent:1", start, end, "99.9", "0.1", 100); err == nil {
		t.Fatal("expected rejection of period_end before period_start")
	}
}
