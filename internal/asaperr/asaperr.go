// Package asaperr defines the ASAP protocol error taxonomy: machine codes
// embedded in JSON-RPC error responses under data.asap_error, grouped into
// the categories spec.md §7 names.
//
// Modeled on the teacher's internal/mcpserver/tools.ToolError: a single
// concrete error type with a ToJSONRPCError conversion, rather than a
// hierarchy of error structs per category.
package asaperr

import (
	"encoding/json"
	"fmt"
)

// Category groups related machine codes.
type Category string

const (
	CategoryProtocol   Category = "protocol"
	CategoryRouting    Category = "routing"
	CategoryCapability Category = "capability"
	CategoryExecution  Category = "execution"
	CategoryResource   Category = "resource"
	CategorySecurity   Category = "security"
	CategoryClient     Category = "client"
)

// Well-known codes, spec.md §7.
const (
	CodeMalformedEnvelope   = "malformed_envelope"
	CodeInvalidPayloadType  = "invalid_payload_type"
	CodeValidationFailed    = "validation_failed"
	CodeInvalidTimestamp    = "invalid_timestamp"
	CodeNonceReuse          = "nonce_reuse"
	CodeVersionMismatch     = "version_mismatch"
	CodeAgentNotFound       = "agent_not_found"
	CodeAgentUnreachable    = "agent_unreachable"
	CodeConversationExpired = "conversation_expired"
	CodeSkillNotFound       = "skill_not_found"
	CodeSkillUnavailable    = "skill_unavailable"
	CodeInputValidation     = "input_validation"
	CodeTaskFailed          = "task_failed"
	CodeTaskTimeout         = "task_timeout"
	CodeTaskCancelled       = "task_cancelled"
	CodeInvalidTransition   = "invalid_transition"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeRateLimited         = "rate_limited"
	CodeStorageFull         = "storage_full"
	CodeAuthRequired        = "auth_required"
	CodeAuthInvalid         = "auth_invalid"
	CodePermissionDenied    = "permission_denied"
	CodeIdentityMismatch    = "identity_mismatch"
	CodeCircuitOpen         = "circuit_open"
	CodeConnectionFailed    = "connection_failed"
	CodeRemoteError         = "remote_error"
	CodeInternal            = "internal_error"
)

// retryable records which codes are retryable and under what condition, per
// the table in spec.md §7. Codes not present default to non-retryable.
var retryable = map[string]bool{
	CodeAgentUnreachable: true,
	CodeTaskTimeout:      true,
	CodeRateLimited:      true, // only after Retry-After has elapsed
	CodeConnectionFailed: true,
	CodeRemoteError:      true,
	// circuit_open is explicitly "no while open" — not retryable immediately.
}

// Error is the concrete ASAP protocol error type. It carries a short
// human message, a stable machine code, and optional structured details
// that never include secrets.
type Error struct {
	Category Category
	Code     string
	Message  string
	Data     map[string]any
}

func New(category Category, code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("asap:%s/%s: %s", e.Category, e.Code, e.Message)
}

func (e *Error) WithData(data map[string]any) *Error {
	n := *e
	n.Data = data
	return &n
}

// Retryable reports whether a client may retry after receiving this error.
func (e *Error) Retryable() bool {
	return retryable[e.Code]
}

// QualifiedCode renders "asap:<category>/<code>" as used in log messages and
// the end-to-end scenarios in spec.md §8.
func (e *Error) QualifiedCode() string {
	return fmt.Sprintf("asap:%s/%s", e.Category, e.Code)
}

// asapErrorPayload is the shape written into JSON-RPC error data.asap_error.
type asapErrorPayload struct {
	Code     string         `json:"code"`
	Category Category       `json:"category"`
	Data     map[string]any `json:"data,omitempty"`
}

// ToJSONRPCError maps the error onto a standard JSON-RPC error code/message
// plus the ASAP-specific data.asap_error payload (spec.md §4.4, §7).
func (e *Error) ToJSONRPCError() (code int, message string, data json.RawMessage) {
	code = jsonRPCCode(e.Category, e.Code)
	payload := asapErrorPayload{Code: e.QualifiedCode(), Category: e.Category, Data: e.Data}
	raw, _ := json.Marshal(payload)
	return code, e.Message, raw
}

// jsonRPCCode maps an ASAP error onto the closest standard JSON-RPC 2.0
// error code. protocol-category errors map onto the parse/invalid-request/
// invalid-params family; everything else maps onto -32603 (internal) since
// JSON-RPC has no richer vocabulary — the real detail travels in
// data.asap_error, not the JSON-RPC code itself.
func jsonRPCCode(category Category, code string) int {
	switch {
	case code == CodeMalformedEnvelope:
		return -32700
	case code == CodeInvalidPayloadType || code == CodeValidationFailed:
		return -32602
	case category == CategoryProtocol:
		return -32600
	default:
		return -32603
	}
}
