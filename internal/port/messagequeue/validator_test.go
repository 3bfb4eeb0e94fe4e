package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateUndeliverable(t *testing.T) {
	data := []byte(`{"message_id":"m1","conversation_id":"c1","sender":"a","receiver":"b","reason":"agent stopped","envelope":"","at":"2026-01-01T00:00:00Z"}`)
	if err := Validate(SubjectUndeliverable, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateEvent(t *testing.T) {
	data := []byte(`{"type":"agent.state","agent_id":"a1","fields":{"state":"ready"},"time":"2026-01-01T00:00:00Z"}`)
	if err := Validate(SubjectEvents, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInboundSkipsJSON(t *testing.T) {
	// CBOR bytes are not JSON and must still pass.
	if err := Validate(SubjectInbound, []byte{0xa1, 0x01, 0x02}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	if err := Validate("unknown.subject", []byte(`{"foo":"bar"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	err := Validate(SubjectUndeliverable, []byte(`{not valid json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected 'invalid JSON' in error, got: %v", err)
	}
}

func TestValidateInvalidSchema(t *testing.T) {
	err := Validate(SubjectEvents, []byte(`"just a string"`))
	if err == nil {
		t.Fatal("expected schema validation error")
	}
}
