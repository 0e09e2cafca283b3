package envelope

import (
	"encoding/json"
	"testing"
)

func TestRoundTrip_TaskRequest(t *testing.T) {
	e, err := New("urn:asap:agent:acme:a", "urn:asap:agent:acme:b", TypeTaskRequest, TaskRequest{
		SkillID: "echo",
		Input:   json.RawMessage(`{"x":1}`),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !e.Equal(decoded) {
		t.Fatalf("round trip mismatch:\n  original: %+v\n  decoded:  %+v", e, decoded)
	}
}

func TestNew_UnknownPayloadTypeRejected(t *testing.T) {
	_, err := New("a", "b", PayloadType("bogus.type"), map[string]string{"x": "1"})
	if err == nil {
		t.Fatal("expected error for unknown payload_type")
	}
}

func TestUnmarshal_UnknownPayloadTypeRejected(t *testing.T) {
	raw := []byte(`{
		"asap_version": "0.1",
		"id": "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		"timestamp": "2026-01-01T00:00:00Z",
		"sender": "a",
		"recipient": "b",
		"payload_type": "bogus.type",
		"payload": {}
	}`)
	var e Envelope
	if err := json.Unmarshal(raw, &e); err == nil {
		t.Fatal("expected error for unknown payload_type")
	}
}

func TestUnmarshal_UnknownFieldInPayloadRejected(t *testing.T) {
	raw := []byte(`{
		"asap_version": "0.1",
		"id": "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		"timestamp": "2026-01-01T00:00:00Z",
		"sender": "a",
		"recipient": "b",
		"payload_type": "task.request",
		"payload": {"skill_id": "echo", "input": {}, "unexpected_field": true}
	}`)
	var e Envelope
	if err := json.Unmarshal(raw, &e); err == nil {
		t.Fatal("expected error for unknown field in strictly-validated payload")
	}
}

func TestWithCorrelationID_ReturnsCopy(t *testing.T) {
	e, err := New("a", "b", TypeMessageSend, MessageSend{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	corr := e.WithCorrelationID("some-id")

	if e.CorrelationID() != "" {
		t.Fatal("expected original envelope to remain unmutated")
	}
	if corr.CorrelationID() != "some-id" {
		t.Fatal("expected copy to carry correlation id")
	}
}
