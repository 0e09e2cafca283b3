package tools

import (
	"context"
	"encoding/json"
)

// RegisterDefaults wires Definitions' tools against their handlers, the
// same MustRegister-at-startup shape the teacher uses for its own
// per-entity tool set.
func RegisterDefaults(r *Registry) {
	r.MustRegister(Definitions()[0], HandleTaskGetState)
	r.MustRegister(Definitions()[1], HandleTaskListVersions)
}

type taskGetStateParams struct {
	TaskID  string `json:"task_id"`
	Version *int   `json:"version,omitempty"`
}

// HandleTaskGetState reads a task's snapshot data directly off the
// snapshot store, mirroring the state.query envelope handler but reachable
// from MCP clients instead of an ASAP envelope.
func HandleTaskGetState(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p taskGetStateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "invalid arguments: "+err.Error(), nil)
	}
	if p.TaskID == "" {
		return nil, NewToolError(ErrCodeInvalidParams, "task_id is required", nil)
	}

	snap, ok, err := tc.Store.Get(ctx, p.TaskID, p.Version)
	if err != nil {
		return nil, WrapASAPError(err)
	}
	if !ok {
		return nil, NewToolError(ErrCodeNotFound, "no snapshot found for task "+p.TaskID, nil)
	}
	return map[string]any{
		"task_id":    snap.TaskID,
		"version":    snap.Version,
		"checkpoint": snap.Checkpoint,
		"data":       snap.Data,
		"created_at": snap.CreatedAt,
	}, nil
}

type taskListVersionsParams struct {
	TaskID string `json:"task_id"`
}

// HandleTaskListVersions lists every snapshot version recorded for a task.
func HandleTaskListVersions(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p taskListVersionsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "invalid arguments: "+err.Error(), nil)
	}
	if p.TaskID == "" {
		return nil, NewToolError(ErrCodeInvalidParams, "task_id is required", nil)
	}

	versions, err := tc.Store.ListVersions(ctx, p.TaskID)
	if err != nil {
		return nil, WrapASAPError(err)
	}
	if len(versions) == 0 {
		return nil, NewToolError(ErrCodeNotFound, "no snapshots found for task "+p.TaskID, nil)
	}
	return map[string]any{"task_id": p.TaskID, "versions": versions}, nil
}
