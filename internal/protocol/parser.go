package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DiagnosticFunc receives a human-readable note for every line the parser
// drops: schema violations and unknown message types. Malformed JSON is
// skipped without a diagnostic because partial lines and transient garbage
// are expected on a live stream.
type DiagnosticFunc func(reason string)

// StreamParser decodes NDJSON chunks into validated stream messages.
// It buffers the trailing incomplete line between Parse calls, so the
// resulting message sequence is independent of how the byte stream is
// chunked. It performs no I/O.
type StreamParser struct {
	buf  strings.Builder
	diag DiagnosticFunc
}

// NewStreamParser creates a parser. diag may be nil.
func NewStreamParser(diag DiagnosticFunc) *StreamParser {
	return &StreamParser{diag: diag}
}

// Parse appends chunk to the internal buffer and returns every message
// that can be decoded from complete lines. The final fragment without a
// newline stays buffered for the next call.
func (p *StreamParser) Parse(chunk []byte) []Message {
	p.buf.Write(chunk)
	data := p.buf.String()

	idx := strings.LastIndexByte(data, '\n')
	if idx < 0 {
		return nil
	}

	complete := data[:idx]
	p.buf.Reset()
	p.buf.WriteString(data[idx+1:])

	var msgs []Message
	for _, line := range strings.Split(complete, "\n") {
		if msg := p.parseLine(line); msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// Flush drains a trailing line that arrived without a terminator. Call it
// once the stream has ended.
func (p *StreamParser) Flush() []Message {
	line := p.buf.String()
	p.buf.Reset()
	if msg := p.parseLine(line); msg != nil {
		return []Message{msg}
	}
	return nil
}

// Reset discards all buffered input.
func (p *StreamParser) Reset() {
	p.buf.Reset()
}

func (p *StreamParser) report(format string, args ...any) {
	if p.diag != nil {
		p.diag(fmt.Sprintf(format, args...))
	}
}

// parseLine decodes and validates one line. It returns nil for empty
// lines, malformed JSON, unknown types, and schema violations; only the
// last two produce a diagnostic.
func (p *StreamParser) parseLine(line string) Message {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		// Corrupted frames are expected mid-stream; drop quietly.
		return nil
	}

	msgType, ok := raw["type"].(string)
	if !ok {
		p.report("dropped message without string 'type' field")
		return nil
	}

	msg, err := validate(msgType, raw, []byte(line))
	if err != nil {
		p.report("dropped %s message: %v", msgType, err)
		return nil
	}
	return msg
}

// validate enforces the per-type schema before any typed decode. A message
// is only ever materialized after its required fields have been checked on
// the raw document, so downstream code never observes a half-shaped value.
func validate(msgType string, raw map[string]any, line []byte) (Message, error) {
	switch msgType {
	case TypeAssistant:
		return validateAssistant(raw, line)
	case TypeUser:
		return validateUser(raw, line)
	case TypeSystem:
		return validateSystem(raw, line)
	case TypeResult:
		return validateResult(raw, line)
	case TypeStreamEvent:
		return validateStreamEvent(raw, line)
	default:
		return nil, fmt.Errorf("unknown message type %q", msgType)
	}
}

func requireSessionID(raw map[string]any) (string, error) {
	id, ok := raw["session_id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("missing or non-string 'session_id'")
	}
	return id, nil
}

func validateAssistant(raw map[string]any, line []byte) (Message, error) {
	if _, err := requireSessionID(raw); err != nil {
		return nil, err
	}
	body, ok := raw["message"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing or non-object 'message'")
	}
	if role, _ := body["role"].(string); role != "assistant" {
		return nil, fmt.Errorf("'message.role' must be \"assistant\"")
	}
	if _, ok := body["content"].([]any); !ok {
		return nil, fmt.Errorf("'message.content' must be a sequence")
	}
	var msg AssistantMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode assistant message: %w", err)
	}
	return &msg, nil
}

func validateUser(raw map[string]any, line []byte) (Message, error) {
	if _, err := requireSessionID(raw); err != nil {
		return nil, err
	}
	body, ok := raw["message"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing or non-object 'message'")
	}
	if role, _ := body["role"].(string); role != "user" {
		return nil, fmt.Errorf("'message.role' must be \"user\"")
	}
	switch body["content"].(type) {
	case string, []any:
	default:
		return nil, fmt.Errorf("'message.content' must be a string or a sequence")
	}
	var msg UserMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode user message: %w", err)
	}
	return &msg, nil
}

func validateSystem(raw map[string]any, line []byte) (Message, error) {
	if _, err := requireSessionID(raw); err != nil {
		return nil, err
	}
	subtype, _ := raw["subtype"].(string)
	if subtype != SubtypeInit && subtype != SubtypeCompactBoundary {
		return nil, fmt.Errorf("invalid 'subtype' %q", subtype)
	}
	var msg SystemMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode system message: %w", err)
	}
	return &msg, nil
}

var resultSubtypes = map[string]bool{
	ResultSuccess:                         true,
	ResultErrorMaxTurns:                   true,
	ResultErrorDuringExecution:            true,
	ResultErrorMaxBudgetUSD:               true,
	ResultErrorMaxStructuredOutputRetries: true,
}

func validateResult(raw map[string]any, line []byte) (Message, error) {
	if _, err := requireSessionID(raw); err != nil {
		return nil, err
	}
	subtype, _ := raw["subtype"].(string)
	if !resultSubtypes[subtype] {
		return nil, fmt.Errorf("invalid 'subtype' %q", subtype)
	}
	if _, ok := raw["usage"].(map[string]any); !ok {
		return nil, fmt.Errorf("missing or non-object 'usage'")
	}
	var msg ResultMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode result message: %w", err)
	}
	return &msg, nil
}

func validateStreamEvent(raw map[string]any, line []byte) (Message, error) {
	if _, err := requireSessionID(raw); err != nil {
		return nil, err
	}
	var msg StreamEvent
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}
	return &msg, nil
}
