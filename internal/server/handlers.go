package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/envelope"
	"github.com/asap-run/asap/internal/ids"
	"github.com/asap-run/asap/internal/snapshot"
	"github.com/asap-run/asap/internal/taskfsm"
	"github.com/asap-run/asap/internal/webhook"
)

// TaskHandlers binds the task lifecycle, state, and artifact payload types
// spec.md "Task & StateSnapshot" and "Webhook" describe onto a Registry,
// generalizing the teacher's internal/service/syncservice pattern of one
// small struct per mutation family constructed once at startup — here keyed
// by payload_type instead of REST route.
type TaskHandlers struct {
	Store         snapshot.Store
	Webhooks      *webhook.Dispatcher
	WebhookURLs   []string
	WebhookSecret []byte
	Clock         ids.Clock
}

// Register wires every handler this struct implements into reg. All of
// them are HandlerSync: even artifact.notify's webhook delivery is a
// blocking HTTP call with its own retry loop, so it belongs on the bounded
// WorkerPool rather than bypassing it the way a genuinely non-blocking
// handler would.
func (h *TaskHandlers) Register(reg *Registry) {
	reg.Register(envelope.TypeTaskRequest, HandlerSync, h.handleTaskRequest)
	reg.Register(envelope.TypeTaskUpdate, HandlerSync, h.handleTaskUpdate)
	reg.Register(envelope.TypeTaskCancel, HandlerSync, h.handleTaskCancel)
	reg.Register(envelope.TypeStateQuery, HandlerSync, h.handleStateQuery)
	reg.Register(envelope.TypeStateRestore, HandlerSync, h.handleStateRestore)
	reg.Register(envelope.TypeArtifactNotify, HandlerSync, h.handleArtifactNotify)
	reg.Register(envelope.TypeMessageSend, HandlerSync, h.handleMessageSend)
}

func (h *TaskHandlers) handleTaskRequest(ctx context.Context, env envelope.Envelope) (any, error) {
	var req envelope.TaskRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	if req.SkillID == "" {
		return nil, asaperr.New(asaperr.CategoryCapability, asaperr.CodeSkillNotFound, "task.request missing skill_id")
	}

	taskID, err := ids.Generate()
	if err != nil {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInternal, "failed to allocate task id")
	}
	now := h.Clock.Now()
	task := taskfsm.Task{
		ID:             taskID,
		ConversationID: env.CorrelationID(),
		Status:         taskfsm.StatusSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.appendSnapshot(ctx, task, false); err != nil {
		return nil, err
	}

	working, err := task.Apply(taskfsm.StatusWorking, h.Clock.Now())
	if err != nil {
		return nil, err
	}
	if err := h.appendSnapshot(ctx, working, false); err != nil {
		return nil, err
	}

	return envelope.TaskResponse{
		Status: string(working.Status),
		Result: mustJSON(map[string]string{"task_id": taskID}),
	}, nil
}

func (h *TaskHandlers) handleTaskUpdate(ctx context.Context, env envelope.Envelope) (any, error) {
	var upd envelope.TaskUpdate
	if err := env.DecodePayload(&upd); err != nil {
		return nil, err
	}
	if upd.TaskID == "" {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInputValidation, "task.update missing task_id")
	}

	task, err := h.loadLatestTask(ctx, upd.TaskID)
	if err != nil {
		return nil, err
	}

	if upd.Status != "" && taskfsm.Status(upd.Status) != task.Status {
		task, err = task.Apply(taskfsm.Status(upd.Status), h.Clock.Now())
		if err != nil {
			return nil, err
		}
	} else {
		task = task.WithProgress(upd.Progress, h.Clock.Now())
	}

	// A completed/failed/cancelled snapshot is marked checkpoint=true so
	// it survives any future version-pruning policy that might sweep
	// intermediate progress snapshots.
	if err := h.appendSnapshot(ctx, task, task.Status.IsTerminal()); err != nil {
		return nil, err
	}
	return envelope.TaskUpdate{TaskID: task.ID, Status: string(task.Status), Progress: task.Progress}, nil
}

func (h *TaskHandlers) handleTaskCancel(ctx context.Context, env envelope.Envelope) (any, error) {
	var cancel envelope.TaskCancel
	if err := env.DecodePayload(&cancel); err != nil {
		return nil, err
	}
	if cancel.TaskID == "" {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInputValidation, "task.cancel missing task_id")
	}

	task, err := h.loadLatestTask(ctx, cancel.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInvalidTransition,
			fmt.Sprintf("task %q is already %s", task.ID, task.Status))
	}

	cancelled, err := task.Apply(taskfsm.StatusCancelled, h.Clock.Now())
	if err != nil {
		return nil, err
	}
	if err := h.appendSnapshot(ctx, cancelled, true); err != nil {
		return nil, err
	}
	return envelope.TaskResponse{Status: string(cancelled.Status)}, nil
}

func (h *TaskHandlers) handleStateQuery(ctx context.Context, env envelope.Envelope) (any, error) {
	var q envelope.StateQuery
	if err := env.DecodePayload(&q); err != nil {
		return nil, err
	}
	if q.TaskID == "" {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInputValidation, "state.query missing task_id")
	}

	snap, ok, err := h.Store.Get(ctx, q.TaskID, q.Version)
	if err != nil {
		return nil, asaperr.New(asaperr.CategoryResource, asaperr.CodeStorageFull, err.Error())
	}
	if !ok {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInputValidation,
			fmt.Sprintf("no snapshot on file for task %q", q.TaskID))
	}
	return snap, nil
}

// handleStateRestore re-saves a prior version's data as a brand new
// highest version rather than rewinding history in place, so ListVersions
// always reads as an append-only log (spec.md §8 scenario 5's failover
// replay depends on versions never being reordered or overwritten).
func (h *TaskHandlers) handleStateRestore(ctx context.Context, env envelope.Envelope) (any, error) {
	var rst envelope.StateRestore
	if err := env.DecodePayload(&rst); err != nil {
		return nil, err
	}
	if rst.TaskID == "" {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInputValidation, "state.restore missing task_id")
	}

	version := rst.Version
	snap, ok, err := h.Store.Get(ctx, rst.TaskID, &version)
	if err != nil {
		return nil, asaperr.New(asaperr.CategoryResource, asaperr.CodeStorageFull, err.Error())
	}
	if !ok {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInputValidation,
			fmt.Sprintf("task %q has no version %d", rst.TaskID, rst.Version))
	}

	task, err := dataToTask(snap.Data)
	if err != nil {
		return nil, asaperr.New(asaperr.CategoryProtocol, asaperr.CodeValidationFailed, "corrupt snapshot data: "+err.Error())
	}
	task.UpdatedAt = h.Clock.Now()
	if err := h.appendSnapshot(ctx, task, true); err != nil {
		return nil, err
	}
	return envelope.TaskResponse{Status: string(task.Status)}, nil
}

// handleArtifactNotify fans the notification out to every configured
// webhook subscriber. With no subscribers configured it still succeeds:
// the envelope itself was valid, there was simply nothing to deliver it
// to.
func (h *TaskHandlers) handleArtifactNotify(ctx context.Context, env envelope.Envelope) (any, error) {
	var notice envelope.ArtifactNotify
	if err := env.DecodePayload(&notice); err != nil {
		return nil, err
	}
	if notice.TaskID == "" || notice.ArtifactURI == "" {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInputValidation,
			"artifact.notify requires task_id and artifact_uri")
	}
	if h.Webhooks == nil || len(h.WebhookURLs) == 0 {
		return envelope.TaskResponse{Status: "acknowledged"}, nil
	}

	payload := map[string]any{
		"event":        "artifact.notify",
		"task_id":      notice.TaskID,
		"artifact_uri": notice.ArtifactURI,
		"media_type":   notice.MediaType,
		"sender":       env.Sender(),
	}

	delivered := 0
	var lastErr error
	for _, url := range h.WebhookURLs {
		if err := h.Webhooks.Deliver(ctx, url, payload, h.WebhookSecret); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return nil, asaperr.New(asaperr.CategoryClient, asaperr.CodeConnectionFailed,
			"no webhook subscriber accepted the artifact notification").WithData(map[string]any{"last_error": lastErr.Error()})
	}
	return envelope.TaskResponse{Status: "delivered"}, nil
}

func (h *TaskHandlers) handleMessageSend(ctx context.Context, env envelope.Envelope) (any, error) {
	var msg envelope.MessageSend
	if err := env.DecodePayload(&msg); err != nil {
		return nil, err
	}
	if msg.Text == "" {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInputValidation, "message.send requires non-empty text")
	}
	return envelope.TaskResponse{Status: "received"}, nil
}

// appendSnapshot saves t as the next version on file for t.ID, letting the
// store itself be the source of truth for the current version number
// instead of threading a counter through every call site.
func (h *TaskHandlers) appendSnapshot(ctx context.Context, t taskfsm.Task, checkpoint bool) error {
	versions, err := h.Store.ListVersions(ctx, t.ID)
	if err != nil {
		return asaperr.New(asaperr.CategoryResource, asaperr.CodeStorageFull, err.Error())
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	snapID, err := ids.Generate()
	if err != nil {
		return asaperr.New(asaperr.CategoryExecution, asaperr.CodeInternal, "failed to allocate snapshot id")
	}
	data := taskToData(t)
	if err := snapshot.ValidateJSONSafe(data); err != nil {
		return asaperr.New(asaperr.CategoryProtocol, asaperr.CodeValidationFailed, err.Error())
	}

	s := snapshot.Snapshot{
		ID:         snapID,
		TaskID:     t.ID,
		Version:    next,
		Data:       data,
		Checkpoint: checkpoint,
		CreatedAt:  h.Clock.Now(),
	}
	if err := h.Store.Save(ctx, s); err != nil {
		return asaperr.New(asaperr.CategoryResource, asaperr.CodeStorageFull, err.Error())
	}
	return nil
}

func (h *TaskHandlers) loadLatestTask(ctx context.Context, taskID string) (taskfsm.Task, error) {
	snap, ok, err := h.Store.Get(ctx, taskID, nil)
	if err != nil {
		return taskfsm.Task{}, asaperr.New(asaperr.CategoryResource, asaperr.CodeStorageFull, err.Error())
	}
	if !ok {
		return taskfsm.Task{}, asaperr.New(asaperr.CategoryExecution, asaperr.CodeInputValidation,
			fmt.Sprintf("no snapshot on file for task %q", taskID))
	}
	return dataToTask(snap.Data)
}

// taskToData/dataToTask round-trip a Task through the map[string]any shape
// snapshot.Snapshot.Data requires, since Store is deliberately payload-
// agnostic and knows nothing about taskfsm.Task.
func taskToData(t taskfsm.Task) map[string]any {
	return map[string]any{
		"id":              t.ID,
		"conversation_id": t.ConversationID,
		"parent_task_id":  t.ParentTaskID,
		"status":          string(t.Status),
		"progress":        t.Progress,
		"created_at":      t.CreatedAt,
		"updated_at":      t.UpdatedAt,
	}
}

func dataToTask(data map[string]any) (taskfsm.Task, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return taskfsm.Task{}, err
	}
	var wire struct {
		ID             string    `json:"id"`
		ConversationID string    `json:"conversation_id"`
		ParentTaskID   string    `json:"parent_task_id"`
		Status         string    `json:"status"`
		Progress       float64   `json:"progress"`
		CreatedAt      time.Time `json:"created_at"`
		UpdatedAt      time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return taskfsm.Task{}, err
	}
	return taskfsm.Task{
		ID:             wire.ID,
		ConversationID: wire.ConversationID,
		ParentTaskID:   wire.ParentTaskID,
		Status:         taskfsm.Status(wire.Status),
		Progress:       wire.Progress,
		CreatedAt:      wire.CreatedAt,
		UpdatedAt:      wire.UpdatedAt,
	}, nil
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
