// Package jsonrpc implements the JSON-RPC 2.0 framing ASAP envelopes travel
// in: {jsonrpc, method, params, id} requests, {jsonrpc, id, result} success
// responses, and {jsonrpc, id, error} error responses (spec.md §4.4).
//
// Shape and helper names are grounded on the teacher's
// internal/mcpserver/server JSONRPCRequest/JSONRPCResponse/JSONRPCError
// types and its sendResult/sendError pattern, generalized from MCP's single
// "tools/call" surface to the full ASAP method set and standard error code
// table.
package jsonrpc

import "encoding/json"

const Version = "2.0"

// Standard JSON-RPC 2.0 error codes (spec.md §4.4).
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request is a JSON-RPC request or notification (ID omitted/null).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether this request carries no id (and thus
// expects no response).
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC success or error response. Exactly one of Result
// or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the {code, message, data} error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewResult builds a success response wrapping v under "result".
func NewResult(id json.RawMessage, v any) (Response, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{}, err
	}
	return Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string, data json.RawMessage) Response {
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// DecodeRequest parses raw bytes into a Request, mapping any failure onto
// the standard -32700 parse error so callers don't have to special-case
// json.Unmarshal errors themselves.
func DecodeRequest(raw []byte) (Request, *Error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, &Error{Code: ParseError, Message: "invalid JSON"}
	}
	// A malformed top-level shape (e.g. a JSON array or scalar) still
	// unmarshals without error into the zero Request — treat a missing
	// method/version as invalid request rather than a silently-empty call.
	if req.JSONRPC != Version || req.Method == "" {
		return Request{}, &Error{Code: InvalidRequest, Message: "invalid jsonrpc request"}
	}
	return req, nil
}
