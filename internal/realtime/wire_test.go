package realtime

import (
	"strings"
	"testing"
)

func TestValidateClientMessage_Valid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"create", `{"type":"session.create","payload":{"workDir":"/tmp"}}`},
		{"create with label", `{"type":"session.create","payload":{"workDir":"/tmp","label":"x"}}`},
		{"prompt", `{"type":"session.prompt","payload":{"sessionId":"abc","prompt":"hi"}}`},
		{"interrupt", `{"type":"session.interrupt","payload":{"sessionId":"abc"}}`},
		{"kill", `{"type":"session.kill","payload":{"sessionId":"abc"}}`},
		{"attach", `{"type":"session.attach","payload":{"sessionId":"abc"}}`},
		{"tree", `{"type":"files.requestTree","payload":{"sessionId":"abc"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ValidateClientMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("expected valid, got error: %v", err)
			}
			if msg.Type == "" {
				t.Error("expected parsed type")
			}
		})
	}
}

func TestValidateClientMessage_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		errPart string
	}{
		{"not json", `garbage`, "invalid JSON"},
		{"missing type", `{"payload":{}}`, "missing 'type'"},
		{"unknown type", `{"type":"session.nuke","payload":{}}`, "unknown message type"},
		{"missing payload", `{"type":"session.kill"}`, "missing 'payload'"},
		{"create without workDir", `{"type":"session.create","payload":{"label":"x"}}`, "'workDir'"},
		{"prompt without sessionId", `{"type":"session.prompt","payload":{"prompt":"hi"}}`, "'sessionId'"},
		{"prompt without prompt", `{"type":"session.prompt","payload":{"sessionId":"abc"}}`, "'prompt'"},
		{"kill without sessionId", `{"type":"session.kill","payload":{}}`, "'sessionId'"},
		{"attach without sessionId", `{"type":"session.attach","payload":{}}`, "'sessionId'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateClientMessage([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("expected error containing %q, got %q", tt.errPart, err.Error())
			}
		})
	}
}

func TestNewEnvelope_SetsTimestamp(t *testing.T) {
	env, err := NewEnvelope(TypeSessionUpdate, SessionUpdatePayload{ID: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if env.Type != TypeSessionUpdate {
		t.Errorf("expected type %s, got %s", TypeSessionUpdate, env.Type)
	}
}

func TestNewErrorEnvelope(t *testing.T) {
	env, err := NewErrorEnvelope(ErrSessionNotFound, "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeError {
		t.Errorf("expected error type, got %s", env.Type)
	}
	if !strings.Contains(string(env.Payload), ErrSessionNotFound) {
		t.Errorf("expected code in payload, got %s", env.Payload)
	}
}
