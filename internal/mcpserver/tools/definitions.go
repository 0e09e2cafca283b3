package tools

// Definitions returns the tool set an ASAP server exposes over mcp.tool_call,
// generalized from the teacher's per-entity (notes/tasks/comments/chats)
// definitions.go into the two operations that make sense against ASAP's own
// task/snapshot domain: reading current or historical task state, and
// listing the versions available for state.restore.
func Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "task_get_state",
			Description: "Fetch a task's snapshot data, either the latest version or a specific one.",
			InputSchema: BuildSchema(map[string]any{
				"task_id": StringSchema("ID of the task to read"),
				"version": IntegerSchema("Specific snapshot version to fetch (latest if omitted)", nil, nil),
			}, []string{"task_id"}),
		},
		{
			Name:        "task_list_versions",
			Description: "List every snapshot version recorded for a task, ascending.",
			InputSchema: BuildSchema(map[string]any{
				"task_id": StringSchema("ID of the task to inspect"),
			}, []string{"task_id"}),
		},
	}
}
