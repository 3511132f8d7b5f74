package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"claude-bridge/internal/protocol"
	"claude-bridge/internal/watcher"
)

// Envelope wraps every WebSocket message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates a server-originated envelope with the current
// timestamp.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorEnvelope creates an error envelope ready to send to a client.
func NewErrorEnvelope(code, message string) (*Envelope, error) {
	return NewEnvelope(TypeError, ErrorPayload{Code: code, Message: message})
}

// Server → Client message types.
const (
	TypeSessionUpdate  = "session.update"
	TypeSessionMessage = "session.message"
	TypeSessionTodos   = "session.todos"
	TypeSessionPlan    = "session.plan"
	TypeFilesUpdate    = "files.update"
	TypeFilesTree      = "files.tree"
	TypeError          = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate    = "session.create"
	TypeSessionPrompt    = "session.prompt"
	TypeSessionInterrupt = "session.interrupt"
	TypeSessionKill      = "session.kill"
	TypeSessionAttach    = "session.attach"
	TypeFilesRequestTree = "files.requestTree"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrSpawnFailed     = "SPAWN_FAILED"
	ErrSendFailed      = "SEND_FAILED"
	ErrAttachFailed    = "ATTACH_FAILED"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	WorkDir   string `json:"workDir"`
	Label     string `json:"label"`
	CreatedAt string `json:"createdAt"`
}

// SessionMessagePayload carries one agent stream message verbatim.
type SessionMessagePayload struct {
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	Message   json.RawMessage `json:"message"`
}

type SessionTodosPayload struct {
	SessionID string              `json:"sessionId"`
	Todos     []protocol.TodoItem `json:"todos"`
}

type SessionPlanPayload struct {
	SessionID string `json:"sessionId"`
	Source    string `json:"source"`
	Plan      string `json:"plan"`
}

type FilesUpdatePayload struct {
	SessionID string `json:"sessionId"`
	FileCount int    `json:"fileCount"`
}

type FilesTreePayload struct {
	SessionID string             `json:"sessionId"`
	Tree      []watcher.FileNode `json:"tree"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	WorkDir string `json:"workDir"`
	Label   string `json:"label"`
}

type SessionPromptPayload struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:    true,
	TypeSessionPrompt:    true,
	TypeSessionInterrupt: true,
	TypeSessionKill:      true,
	TypeSessionAttach:    true,
	TypeFilesRequestTree: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Envelope and any validation error.
func ValidateClientMessage(raw []byte) (*Envelope, error) {
	var msg Envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.WorkDir == "" {
			return nil, fmt.Errorf("missing required field 'workDir' in %s payload", msg.Type)
		}

	case TypeSessionPrompt:
		var p SessionPromptPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if p.Prompt == "" {
			return nil, fmt.Errorf("missing required field 'prompt' in %s payload", msg.Type)
		}

	case TypeSessionInterrupt, TypeSessionKill, TypeSessionAttach, TypeFilesRequestTree:
		var p SessionIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}
