package protocol

import "encoding/json"

// Message is the common interface for all NDJSON stream messages emitted
// by the agent CLI. Every concrete variant carries its session id.
type Message interface {
	MessageType() string
	MessageSessionID() string
}

// Message types, matching the CLI's stream-json `type` discriminant.
const (
	TypeSystem      = "system"
	TypeAssistant   = "assistant"
	TypeUser        = "user"
	TypeResult      = "result"
	TypeStreamEvent = "stream_event"
)

// System message subtypes.
const (
	SubtypeInit            = "init"
	SubtypeCompactBoundary = "compact_boundary"
)

// Result subtypes indicating how a run ended.
const (
	ResultSuccess                         = "success"
	ResultErrorMaxTurns                   = "error_max_turns"
	ResultErrorDuringExecution            = "error_during_execution"
	ResultErrorMaxBudgetUSD               = "error_max_budget_usd"
	ResultErrorMaxStructuredOutputRetries = "error_max_structured_output_retries"
)

// Content block types within assistant/user messages.
const (
	ContentText    = "text"
	ContentToolUse = "tool_use"
)

// SystemMessage is an out-of-band notification from the CLI (session
// init, compaction boundaries).
type SystemMessage struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

func (m *SystemMessage) MessageType() string      { return TypeSystem }
func (m *SystemMessage) MessageSessionID() string { return m.SessionID }

// ContentBlock is one element of an assistant or user message body.
type ContentBlock struct {
	Type string `json:"type"`

	// type: "text"
	Text string `json:"text,omitempty"`

	// type: "tool_use"
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// AssistantBody is the inner message of an assistant stream message.
type AssistantBody struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content"`
}

// AssistantMessage is a model response, possibly containing tool use.
type AssistantMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Message   AssistantBody `json:"message"`
}

func (m *AssistantMessage) MessageType() string      { return TypeAssistant }
func (m *AssistantMessage) MessageSessionID() string { return m.SessionID }

// UserBody is the inner message of a user stream message. Content is
// either a plain string or a sequence of content blocks (tool results).
type UserBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// UserMessage is an echoed user turn or a tool-result carrier.
type UserMessage struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Message   UserBody `json:"message"`
}

func (m *UserMessage) MessageType() string      { return TypeUser }
func (m *UserMessage) MessageSessionID() string { return m.SessionID }

// Usage reports token consumption for a run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ResultMessage is the terminal message of a run.
type ResultMessage struct {
	Type         string   `json:"type"`
	Subtype      string   `json:"subtype"`
	SessionID    string   `json:"session_id"`
	IsError      bool     `json:"is_error"`
	Usage        Usage    `json:"usage"`
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	Result       string   `json:"result,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

func (m *ResultMessage) MessageType() string      { return TypeResult }
func (m *ResultMessage) MessageSessionID() string { return m.SessionID }

// StreamEvent is a partial-message streaming event, passed through opaquely.
type StreamEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Event     json.RawMessage `json:"event,omitempty"`
}

func (m *StreamEvent) MessageType() string      { return TypeStreamEvent }
func (m *StreamEvent) MessageSessionID() string { return m.SessionID }

// UserLine encodes a user prompt as a single NDJSON line ready to be
// written to the agent's stdin, trailing newline included. This is the
// exact frame the CLI expects: {"type":"user","message":{...}} LF.
func UserLine(text string) []byte {
	line, _ := json.Marshal(map[string]any{
		"type": TypeUser,
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	})
	return append(line, '\n')
}
