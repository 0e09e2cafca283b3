// Package envelope implements the ASAP message envelope: an immutable,
// typed unit of communication validated against a closed payload registry.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/ids"
)

// PayloadType is a discriminator string from the closed registry (§4.2).
type PayloadType string

const (
	TypeTaskRequest    PayloadType = "task.request"
	TypeTaskResponse   PayloadType = "task.response"
	TypeTaskUpdate     PayloadType = "task.update"
	TypeTaskCancel     PayloadType = "task.cancel"
	TypeMessageSend    PayloadType = "message.send"
	TypeStateQuery     PayloadType = "state.query"
	TypeStateRestore   PayloadType = "state.restore"
	TypeArtifactNotify PayloadType = "artifact.notify"
	TypeMCPToolCall    PayloadType = "mcp.tool_call"
	TypeMCPToolResult  PayloadType = "mcp.tool_result"
)

const ProtocolVersion = "0.1"

// Envelope is immutable once constructed. Every mutating-looking method
// returns a new value; none of them modify the receiver.
type Envelope struct {
	asapVersion   string
	id            string
	correlationID string
	traceID       string
	timestamp     time.Time
	sender        string
	recipient     string
	payloadType   PayloadType
	payload       json.RawMessage
	extensions    map[string]json.RawMessage
}

// New constructs a fresh envelope, generating its id and stamping the
// current wall-clock time in UTC at microsecond precision.
func New(sender, recipient string, payloadType PayloadType, payload any) (Envelope, error) {
	id, err := ids.Generate()
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: generate id: %w", err)
	}

	raw, err := marshalPayload(payloadType, payload)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		asapVersion: ProtocolVersion,
		id:          id,
		timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		sender:      sender,
		recipient:   recipient,
		payloadType: payloadType,
		payload:     raw,
	}, nil
}

func marshalPayload(payloadType PayloadType, payload any) (json.RawMessage, error) {
	if !Registry.Has(payloadType) {
		return nil, asaperr.New(asaperr.CategoryProtocol, asaperr.CodeInvalidPayloadType,
			fmt.Sprintf("unknown payload_type %q", payloadType))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, asaperr.New(asaperr.CategoryProtocol, asaperr.CodeMalformedEnvelope, err.Error())
	}
	return raw, nil
}

// Accessors. Envelope carries no exported fields so callers cannot mutate
// it through field assignment.
func (e Envelope) ASAPVersion() string                       { return e.asapVersion }
func (e Envelope) ID() string                                { return e.id }
func (e Envelope) CorrelationID() string                     { return e.correlationID }
func (e Envelope) TraceID() string                           { return e.traceID }
func (e Envelope) Timestamp() time.Time                      { return e.timestamp }
func (e Envelope) Sender() string                            { return e.sender }
func (e Envelope) Recipient() string                         { return e.recipient }
func (e Envelope) PayloadType() PayloadType                  { return e.payloadType }
func (e Envelope) RawPayload() json.RawMessage                { return e.payload }
func (e Envelope) Extensions() map[string]json.RawMessage    { return e.extensions }

// DecodePayload unmarshals the envelope's payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.payload, v); err != nil {
		return asaperr.New(asaperr.CategoryProtocol, asaperr.CodeValidationFailed, err.Error())
	}
	return nil
}

// WithCorrelationID returns a copy correlated to a prior envelope id.
func (e Envelope) WithCorrelationID(id string) Envelope {
	e.correlationID = id
	return e
}

// WithTraceID returns a copy tagged with a workflow-wide trace id.
func (e Envelope) WithTraceID(id string) Envelope {
	e.traceID = id
	return e
}

// WithExtensions returns a copy carrying the given namespaced extension map.
// Extensions are never validated — they are an escape hatch for
// deployment-specific metadata.
func (e Envelope) WithExtensions(ext map[string]json.RawMessage) Envelope {
	cp := make(map[string]json.RawMessage, len(ext))
	for k, v := range ext {
		cp[k] = v
	}
	e.extensions = cp
	return e
}

// wireEnvelope is the JSON wire shape.
type wireEnvelope struct {
	ASAPVersion   string                     `json:"asap_version"`
	ID            string                     `json:"id"`
	CorrelationID string                     `json:"correlation_id,omitempty"`
	TraceID       string                     `json:"trace_id,omitempty"`
	Timestamp     time.Time                  `json:"timestamp"`
	Sender        string                     `json:"sender"`
	Recipient     string                     `json:"recipient"`
	PayloadType   PayloadType                `json:"payload_type"`
	Payload       json.RawMessage            `json:"payload"`
	Extensions    map[string]json.RawMessage `json:"extensions,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ASAPVersion:   e.asapVersion,
		ID:            e.id,
		CorrelationID: e.correlationID,
		TraceID:       e.traceID,
		Timestamp:     e.timestamp,
		Sender:        e.sender,
		Recipient:     e.recipient,
		PayloadType:   e.payloadType,
		Payload:       e.payload,
		Extensions:    e.extensions,
	})
}

// UnmarshalJSON implements json.Unmarshaler, rejecting unknown fields and
// unknown payload types so decoding is strict per spec.md §4.2.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytesReader(data))
	dec.DisallowUnknownFields()

	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return asaperr.New(asaperr.CategoryProtocol, asaperr.CodeMalformedEnvelope, err.Error())
	}

	if !Registry.Has(w.PayloadType) {
		return asaperr.New(asaperr.CategoryProtocol, asaperr.CodeInvalidPayloadType,
			fmt.Sprintf("unknown payload_type %q", w.PayloadType))
	}
	if err := Registry.Validate(w.PayloadType, w.Payload); err != nil {
		return err
	}

	*e = Envelope{
		asapVersion:   w.ASAPVersion,
		id:            w.ID,
		correlationID: w.CorrelationID,
		traceID:       w.TraceID,
		timestamp:     w.Timestamp,
		sender:        w.Sender,
		recipient:     w.Recipient,
		payloadType:   w.PayloadType,
		payload:       w.Payload,
		extensions:    w.Extensions,
	}
	return nil
}

// Equal reports deep field-by-field equality, used by round-trip tests.
func (e Envelope) Equal(o Envelope) bool {
	if e.asapVersion != o.asapVersion || e.id != o.id || e.correlationID != o.correlationID ||
		e.traceID != o.traceID || !e.timestamp.Equal(o.timestamp) || e.sender != o.sender ||
		e.recipient != o.recipient || e.payloadType != o.payloadType {
		return false
	}
	if len(e.extensions) != len(o.extensions) {
		return false
	}
	for k, v := range e.extensions {
		ov, ok := o.extensions[k]
		if !ok || string(v) != string(ov) {
			return false
		}
	}
	return string(e.payload) == string(o.payload)
}
