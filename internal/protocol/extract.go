package protocol

import (
	"path"
	"strings"
	"time"
)

// Tool names whose invocations carry extractable state.
const (
	toolTodoWrite    = "TodoWrite"
	toolExitPlanMode = "ExitPlanMode"
	toolWrite        = "Write"
)

// TodoItem is one entry of a TodoWrite tool invocation.
type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

// TodoUpdate is a snapshot of the agent's todo list at one point in the
// stream.
type TodoUpdate struct {
	Todos     []TodoItem `json:"todos"`
	Timestamp time.Time  `json:"timestamp"`
	MessageID string     `json:"messageId,omitempty"`
	SessionID string     `json:"sessionId"`
}

// PlanUpdate is a plan document surfaced by the agent, either through
// ExitPlanMode or by writing a markdown file under a plans directory.
type PlanUpdate struct {
	Plan      string    `json:"plan"`
	Source    string    `json:"source"` // "exit_plan_mode" | "plan_file"
	Path      string    `json:"path,omitempty"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// ExtractTodoUpdates scans assistant messages for valid TodoWrite tool
// invocations. Inputs whose todos are not a sequence of objects with
// string content and status are skipped.
func ExtractTodoUpdates(msgs []Message) []TodoUpdate {
	var updates []TodoUpdate
	for _, m := range msgs {
		am, ok := m.(*AssistantMessage)
		if !ok {
			continue
		}
		for _, block := range am.Message.Content {
			if block.Type != ContentToolUse || block.Name != toolTodoWrite {
				continue
			}
			todos, ok := decodeTodos(block.Input["todos"])
			if !ok {
				continue
			}
			updates = append(updates, TodoUpdate{
				Todos:     todos,
				Timestamp: time.Now().UTC(),
				MessageID: am.Message.ID,
				SessionID: am.SessionID,
			})
		}
	}
	return updates
}

func decodeTodos(v any) ([]TodoItem, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	todos := make([]TodoItem, 0, len(list))
	for _, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, false
		}
		content, ok := obj["content"].(string)
		if !ok {
			return nil, false
		}
		status, ok := obj["status"].(string)
		if !ok {
			return nil, false
		}
		active, _ := obj["activeForm"].(string)
		todos = append(todos, TodoItem{Content: content, Status: status, ActiveForm: active})
	}
	return todos, true
}

// ExtractPlanUpdates scans assistant messages for ExitPlanMode tool use
// and for Write tool use targeting a markdown file inside a plans
// directory.
func ExtractPlanUpdates(msgs []Message) []PlanUpdate {
	var updates []PlanUpdate
	for _, m := range msgs {
		am, ok := m.(*AssistantMessage)
		if !ok {
			continue
		}
		for _, block := range am.Message.Content {
			if block.Type != ContentToolUse {
				continue
			}
			switch block.Name {
			case toolExitPlanMode:
				plan, ok := block.Input["plan"].(string)
				if !ok || plan == "" {
					continue
				}
				updates = append(updates, PlanUpdate{
					Plan:      plan,
					Source:    "exit_plan_mode",
					SessionID: am.SessionID,
					Timestamp: time.Now().UTC(),
				})
			case toolWrite:
				filePath, _ := block.Input["file_path"].(string)
				if !IsPlanFile(filePath) {
					continue
				}
				content, ok := block.Input["content"].(string)
				if !ok {
					continue
				}
				updates = append(updates, PlanUpdate{
					Plan:      content,
					Source:    "plan_file",
					Path:      filePath,
					SessionID: am.SessionID,
					Timestamp: time.Now().UTC(),
				})
			}
		}
	}
	return updates
}

// IsPlanFile reports whether p is a markdown file directly inside a
// "plans" directory, the convention agents use for persisted plans.
func IsPlanFile(p string) bool {
	if !strings.HasSuffix(p, ".md") {
		return false
	}
	return path.Base(path.Dir(p)) == "plans"
}

// ExtractResult returns the last result message in msgs, or nil.
func ExtractResult(msgs []Message) *ResultMessage {
	var last *ResultMessage
	for _, m := range msgs {
		if rm, ok := m.(*ResultMessage); ok {
			last = rm
		}
	}
	return last
}

// IsComplete reports whether msgs contains a result message.
func IsComplete(msgs []Message) bool {
	return ExtractResult(msgs) != nil
}

// HasError reports whether the final result message signaled an error.
func HasError(msgs []Message) bool {
	r := ExtractResult(msgs)
	return r != nil && r.IsError
}
