package tools

import (
	"github.com/rs/zerolog"

	"github.com/asap-run/asap/internal/snapshot"
	"github.com/asap-run/asap/internal/webhook"
)

// ToolContext provides the shared resources an ASAP tool handler needs,
// generalized from the teacher's ToolContext (which held per-entity REST
// clients) to the store/dispatcher pair every tool in this package
// actually touches: MCP tool calls here read and act on task state rather
// than CRUD a separate REST backend.
type ToolContext struct {
	Logger        *zerolog.Logger
	AgentID       string
	Store         snapshot.Store
	Webhooks      *webhook.Dispatcher
	WebhookURLs   []string
	WebhookSecret []byte
}
