package envelope

import (
	"encoding/json"

	"github.com/asap-run/asap/internal/asaperr"
)

// Codec validates the raw JSON for one payload_type. Validation failures
// must be asaperr.Error values carrying a field-level message.
type Codec struct {
	// New returns a zero value of the concrete payload struct, used purely
	// to strict-decode and report unknown-field errors.
	New func() any
}

// PayloadRegistry is a closed map of payload_type -> Codec. Decoding an
// envelope whose payload_type is absent from the registry fails with
// invalid_payload_type (spec.md §4.2).
type PayloadRegistry struct {
	codecs map[PayloadType]Codec
}

// Registry is the process-wide closed set of known payload types. It is
// built once at init time from fixed, compiled-in entries — never mutated
// at runtime — so "unknown payload_type" is a stable, closed-world check.
var Registry = newRegistry()

func newRegistry() *PayloadRegistry {
	r := &PayloadRegistry{codecs: make(map[PayloadType]Codec)}
	r.register(TypeTaskRequest, func() any { return &TaskRequest{} })
	r.register(TypeTaskResponse, func() any { return &TaskResponse{} })
	r.register(TypeTaskUpdate, func() any { return &TaskUpdate{} })
	r.register(TypeTaskCancel, func() any { return &TaskCancel{} })
	r.register(TypeMessageSend, func() any { return &MessageSend{} })
	r.register(TypeStateQuery, func() any { return &StateQuery{} })
	r.register(TypeStateRestore, func() any { return &StateRestore{} })
	r.register(TypeArtifactNotify, func() any { return &ArtifactNotify{} })
	r.register(TypeMCPToolCall, func() any { return &MCPToolCall{} })
	r.register(TypeMCPToolResult, func() any { return &MCPToolResult{} })
	return r
}

func (r *PayloadRegistry) register(t PayloadType, ctor func() any) {
	r.codecs[t] = Codec{New: ctor}
}

// Has reports whether payloadType is a known, registered discriminator.
func (r *PayloadRegistry) Has(payloadType PayloadType) bool {
	_, ok := r.codecs[payloadType]
	return ok
}

// Validate strict-decodes raw against the payload_type's registered shape,
// rejecting unknown fields (spec.md §4.2 "validates strictly").
func (r *PayloadRegistry) Validate(payloadType PayloadType, raw json.RawMessage) error {
	codec, ok := r.codecs[payloadType]
	if !ok {
		return asaperr.New(asaperr.CategoryProtocol, asaperr.CodeInvalidPayloadType, string(payloadType))
	}

	v := codec.New()
	dec := json.NewDecoder(bytesReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return asaperr.New(asaperr.CategoryProtocol, asaperr.CodeValidationFailed, err.Error())
	}
	return nil
}
