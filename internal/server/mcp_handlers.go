package server

import (
	"context"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/envelope"
	"github.com/asap-run/asap/internal/mcpserver/tools"
)

// MCPHandlers binds mcp.tool_call onto a Registry, letting an MCP client
// reach a task's state through the same server pipeline an ASAP agent
// uses, rather than requiring a separate MCP bridge process. It shares
// TaskHandlers' snapshot.Store and webhook.Dispatcher so both ingress
// paths see the same task state.
type MCPHandlers struct {
	Registry *tools.Registry
	Context  *tools.ToolContext
}

// NewMCPHandlers builds a tools.Registry pre-populated with the default
// ASAP tool set (task_get_state, task_list_versions) against th, the same
// Store/Webhooks TaskHandlers uses.
func NewMCPHandlers(th *TaskHandlers) *MCPHandlers {
	reg := tools.NewRegistry()
	tools.RegisterDefaults(reg)
	return &MCPHandlers{
		Registry: reg,
		Context: &tools.ToolContext{
			Store:         th.Store,
			Webhooks:      th.Webhooks,
			WebhookURLs:   th.WebhookURLs,
			WebhookSecret: th.WebhookSecret,
		},
	}
}

// Register wires mcp.tool_call as HandlerSync: tool handlers here only
// read/list snapshot state, no slower than any other synchronous envelope
// handler, so they belong on the bounded WorkerPool like the rest.
func (h *MCPHandlers) Register(reg *Registry) {
	reg.Register(envelope.TypeMCPToolCall, HandlerSync, h.handleToolCall)
}

func (h *MCPHandlers) handleToolCall(ctx context.Context, env envelope.Envelope) (any, error) {
	var call envelope.MCPToolCall
	if err := env.DecodePayload(&call); err != nil {
		return nil, err
	}
	if call.ToolName == "" {
		return nil, asaperr.New(asaperr.CategoryCapability, asaperr.CodeSkillNotFound, "mcp.tool_call missing tool_name")
	}

	toolCtx := *h.Context
	toolCtx.AgentID = env.Sender()

	result, err := h.Registry.Call(ctx, &toolCtx, tools.CallRequest{Name: call.ToolName, Arguments: call.Arguments})
	if err != nil {
		if toolErr, ok := err.(*tools.ToolError); ok {
			_, msg, data := toolErr.ToJSONRPCError()
			return nil, asaperr.New(asaperr.CategoryCapability, asaperr.CodeSkillUnavailable, msg).WithData(map[string]any{"tool_error": data})
		}
		return nil, asaperr.New(asaperr.CategoryCapability, asaperr.CodeSkillUnavailable, err.Error())
	}

	return envelope.MCPToolResult{IsError: false, Content: mustJSON(result)}, nil
}
