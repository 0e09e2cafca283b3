package server

import (
	"encoding/json"
	"net/http"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/jsonrpc"
)

// httpStatusFor maps an ASAP error onto the HTTP status spec.md §6 names
// explicitly (401/403/429); every other category rides back inside a
// 200 response, since JSON-RPC carries its own error channel in the body.
// The 413 for an oversized body is written by the pipeline directly, not
// through this mapping.
func httpStatusFor(e *asaperr.Error) int {
	switch e.Code {
	case asaperr.CodeAuthRequired, asaperr.CodeAuthInvalid:
		return http.StatusUnauthorized
	case asaperr.CodeIdentityMismatch, asaperr.CodePermissionDenied:
		return http.StatusForbidden
	case asaperr.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

// toJSONRPCResponse converts err into a JSON-RPC error response and the
// HTTP status it should ride on. Non-asaperr errors are logged by the
// caller and surface as a generic internal_error, never leaking their
// message unless debug is enabled (spec.md §7).
func toJSONRPCResponse(id json.RawMessage, err error, debug bool) (jsonrpc.Response, int) {
	if aerr, ok := err.(*asaperr.Error); ok {
		code, msg, data := aerr.ToJSONRPCError()
		return jsonrpc.NewError(id, code, msg, data), httpStatusFor(aerr)
	}

	msg := "internal error"
	if debug {
		msg = err.Error()
	}
	return jsonrpc.NewError(id, jsonrpc.InternalError, msg, nil), http.StatusOK
}

// writeJSON writes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeProtocolError writes a standalone asaperr failure that occurred
// before a JSON-RPC id could be recovered from the request (an unreadable
// or badly encoded body, or a failed WebSocket handshake authentication).
func writeProtocolError(w http.ResponseWriter, aerr *asaperr.Error) {
	code, msg, data := aerr.ToJSONRPCError()
	writeJSON(w, httpStatusFor(aerr), jsonrpc.NewError(nil, code, msg, data))
}
