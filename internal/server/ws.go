package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/jsonrpc"
	"github.com/asap-run/asap/internal/wstransport"
)

// upgrader is shared across connections; CheckOrigin is permissive the
// same way the manifest/health CORS policy is, since ASAP agents are not
// browser pages guarding cookies.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS implements the WS /asap/ws surface spec.md §6 describes: one
// JSON-RPC message per frame, same processing semantics as POST /asap.
// Identity is resolved once at handshake (the Authorization header or an
// access_token query parameter, for browser WebSocket clients that can't
// set headers) rather than re-verified per frame — the per-frame
// envelope.sender binding check still runs on every message.
func (p *Pipeline) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}

	var handshakeAgentID string
	if p.deps.Verifier != nil {
		resolved, err := p.deps.Verifier.Verify(token)
		if err != nil {
			writeProtocolError(w, errAsASAP(err))
			return
		}
		handshakeAgentID = resolved
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := wstransport.NewConn(ws, wstransport.Options{
		OnRequest: func(req jsonrpc.Request) (jsonrpc.Response, bool) {
			return p.handleWSFrame(r.Context(), req, handshakeAgentID), true
		},
		OnNotification: func(req jsonrpc.Request) {
			p.handleWSFrame(r.Context(), req, handshakeAgentID)
		},
	})
	defer conn.Close()

	if err := conn.ReadLoop(); err != nil {
		log.Debug().Err(err).Msg("websocket read loop ended")
	}
}

// handleWSFrame decodes one inbound JSON-RPC request frame into an
// envelope and runs it through the shared pipeline steps.
func (p *Pipeline) handleWSFrame(ctx context.Context, req jsonrpc.Request, handshakeAgentID string) jsonrpc.Response {
	start := time.Now()

	env, err := decodeEnvelope(req.Params)
	if err != nil {
		resp, _ := toJSONRPCResponse(req.ID, err, p.deps.Debug)
		return resp
	}

	authenticate := func() (string, error) {
		if p.deps.Verifier == nil {
			return env.Sender(), nil
		}
		if handshakeAgentID != env.Sender() {
			return "", asaperr.New(asaperr.CategorySecurity, asaperr.CodeIdentityMismatch,
				"envelope sender does not match authenticated identity")
		}
		return handshakeAgentID, nil
	}

	resp, _, _ := p.process(ctx, start, req.ID, env, authenticate)
	return resp
}

// errAsASAP normalizes a handshake auth failure into an *asaperr.Error so
// writeProtocolError can map it onto the right HTTP status before the
// WebSocket upgrade ever happens.
func errAsASAP(err error) *asaperr.Error {
	if aerr, ok := err.(*asaperr.Error); ok {
		return aerr
	}
	return asaperr.New(asaperr.CategorySecurity, asaperr.CodeAuthInvalid, err.Error())
}
