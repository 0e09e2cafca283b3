package envelope

import "encoding/json"

// TaskRequest asks the recipient to invoke a skill.
type TaskRequest struct {
	SkillID string          `json:"skill_id"`
	Input   json.RawMessage `json:"input"`
}

// TaskResponse reports task completion or failure.
type TaskResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *PayloadError   `json:"error,omitempty"`
}

// TaskUpdate reports in-flight progress for a long-running task.
type TaskUpdate struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
}

// TaskCancel requests cancellation of an in-flight task.
type TaskCancel struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// MessageSend carries a free-form conversational message.
type MessageSend struct {
	Text string          `json:"text"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StateQuery asks for the current snapshot of a task's state.
type StateQuery struct {
	TaskID  string `json:"task_id"`
	Version *int   `json:"version,omitempty"`
}

// StateRestore asks the recipient to resume a task from a prior snapshot,
// used by the failover scenario in spec.md §8 scenario 5.
type StateRestore struct {
	TaskID  string `json:"task_id"`
	Version int    `json:"version"`
}

// ArtifactNotify announces an artifact produced as a side effect of a task.
type ArtifactNotify struct {
	TaskID      string `json:"task_id"`
	ArtifactURI string `json:"artifact_uri"`
	MediaType   string `json:"media_type,omitempty"`
}

// MCPToolCall invokes a tool exposed through the MCP bridge.
type MCPToolCall struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPToolResult reports the outcome of an MCP tool invocation.
type MCPToolResult struct {
	IsError bool            `json:"is_error"`
	Content json.RawMessage `json:"content,omitempty"`
}

// PayloadError is a structured domain error embedded in a TaskResponse,
// distinct from the transport-level asaperr.Error carried in JSON-RPC
// envelopes.
type PayloadError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
