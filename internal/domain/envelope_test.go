package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeWireFormat(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 891234567, time.FixedZone("x", 3600))
	env, err := NewEnvelope(StatusPayload{Entity: EntityRun, EntityID: "r1", From: "pending", To: "running"}, "r1", "s1", at)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"timestamp":"2026-03-04T04:06:07.891Z"`) {
		t.Fatalf("unexpected timestamp in %s", raw)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p, err := DecodePayload(back)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	status, ok := p.(StatusPayload)
	if !ok || status.To != "running" || back.RunID != "r1" {
		t.Fatalf("unexpected payload %#v", p)
	}
}

func TestDecodeUnknownEventIsRaw(t *testing.T) {
	env := Envelope{EventType: "future_event", Data: json.RawMessage(`{"x":1}`)}
	p, err := DecodePayload(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, ok := p.(RawPayload)
	if !ok || raw.EventType() != "future_event" || string(raw.Data) != `{"x":1}` {
		t.Fatalf("expected raw payload, got %#v", p)
	}

	if _, err := DecodePayload(Envelope{EventType: EventOutput, Data: json.RawMessage(`[`)}); err == nil {
		t.Fatalf("expected decode error for malformed data")
	}
}
