package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/asap-run/asap/internal/snapshot"
)

func newTestToolContext(t *testing.T) *ToolContext {
	t.Helper()
	return &ToolContext{Store: snapshot.NewMemoryStore()}
}

func saveSnapshot(t *testing.T, tc *ToolContext, taskID string, version int) {
	t.Helper()
	err := tc.Store.Save(context.Background(), snapshot.Snapshot{
		ID:        "snap-" + taskID,
		TaskID:    taskID,
		Version:   version,
		Data:      map[string]any{"status": "working"},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestHandleTaskGetState_ReturnsLatestVersion(t *testing.T) {
	tc := newTestToolContext(t)
	saveSnapshot(t, tc, "task-1", 1)
	saveSnapshot(t, tc, "task-1", 2)

	raw, _ := json.Marshal(taskGetStateParams{TaskID: "task-1"})
	result, err := HandleTaskGetState(context.Background(), tc, raw)
	if err != nil {
		t.Fatalf("HandleTaskGetState: %v", err)
	}
	m := result.(map[string]any)
	if m["version"] != 2 {
		t.Fatalf("expected latest version 2, got %v", m["version"])
	}
}

func TestHandleTaskGetState_UnknownTaskReturnsNotFound(t *testing.T) {
	tc := newTestToolContext(t)
	raw, _ := json.Marshal(taskGetStateParams{TaskID: "missing"})
	if _, err := HandleTaskGetState(context.Background(), tc, raw); err == nil {
		t.Fatal("expected an error for an unknown task")
	}
}

func TestHandleTaskListVersions_ListsAscending(t *testing.T) {
	tc := newTestToolContext(t)
	saveSnapshot(t, tc, "task-2", 1)
	saveSnapshot(t, tc, "task-2", 2)
	saveSnapshot(t, tc, "task-2", 3)

	raw, _ := json.Marshal(taskListVersionsParams{TaskID: "task-2"})
	result, err := HandleTaskListVersions(context.Background(), tc, raw)
	if err != nil {
		t.Fatalf("HandleTaskListVersions: %v", err)
	}
	m := result.(map[string]any)
	versions := m["versions"].([]int)
	if len(versions) != 3 || versions[0] != 1 || versions[2] != 3 {
		t.Fatalf("unexpected versions: %+v", versions)
	}
}

func TestHandleTaskGetState_RejectsMissingTaskID(t *testing.T) {
	tc := newTestToolContext(t)
	raw, _ := json.Marshal(taskGetStateParams{})
	if _, err := HandleTaskGetState(context.Background(), tc, raw); err == nil {
		t.Fatal("expected an error for missing task_id")
	}
}
