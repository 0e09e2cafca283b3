package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/asap-run/asap/internal/asaperr"
)

// ToolError represents a structured error from tool execution
type ToolError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode categorizes tool errors for JSON-RPC translation
type ErrorCode string

const (
	ErrCodeInvalidParams  ErrorCode = "INVALID_PARAMS"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeDeleted        ErrorCode = "DELETED"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotFound ErrorCode = "METHOD_NOT_FOUND"
)

// NewToolError creates a tool error with optional data
func NewToolError(code ErrorCode, message string, data map[string]any) *ToolError {
	return &ToolError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// WrapASAPError converts an *asaperr.Error raised by the underlying task
// FSM/snapshot/webhook components into a ToolError a CallResult can carry,
// preserving the asaperr code in Data so a caller can match on it without
// parsing the message string.
func WrapASAPError(err error) error {
	if err == nil {
		return nil
	}
	var ae *asaperr.Error
	if !errors.As(err, &ae) {
		return NewToolError(ErrCodeInternal, err.Error(), nil)
	}
	code := ErrCodeInternal
	switch ae.Category {
	case asaperr.CategoryClient:
		code = ErrCodeInvalidParams
	case asaperr.CategoryExecution, asaperr.CategoryRouting:
		code = ErrCodeNotFound
	case asaperr.CategoryResource:
		code = ErrCodeRateLimit
	}
	return NewToolError(code, ae.Message, map[string]any{"asap_code": ae.QualifiedCode()})
}

// ToJSONRPCError converts ToolError to JSON-RPC error code
func (e *ToolError) ToJSONRPCError() (int, string, json.RawMessage) {
	var code int
	switch e.Code {
	case ErrCodeInvalidParams, ErrCodeNotFound, ErrCodeDeleted:
		code = -32602 // InvalidParams
	case ErrCodeMethodNotFound:
		code = -32601 // MethodNotFound
	case ErrCodeConflict, ErrCodeRateLimit:
		code = -32603 // InternalError (retriable)
	default:
		code = -32603 // InternalError
	}

	var data json.RawMessage
	if e.Data != nil {
		dataBytes, _ := json.Marshal(e.Data)
		data = dataBytes
	}

	return code, e.Message, data
}
