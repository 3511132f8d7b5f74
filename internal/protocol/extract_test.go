package protocol

import "testing"

func assistantWithTool(sessionID, msgID, tool string, input map[string]any) *AssistantMessage {
	return &AssistantMessage{
		Type:      TypeAssistant,
		SessionID: sessionID,
		Message: AssistantBody{
			ID:   msgID,
			Role: "assistant",
			Content: []ContentBlock{
				{Type: ContentToolUse, ID: "tu_1", Name: tool, Input: input},
			},
		},
	}
}

func TestExtractTodoUpdates(t *testing.T) {
	msgs := []Message{
		assistantWithTool("s1", "m1", toolTodoWrite, map[string]any{
			"todos": []any{
				map[string]any{"content": "write tests", "status": "in_progress", "activeForm": "Writing tests"},
				map[string]any{"content": "ship it", "status": "pending"},
			},
		}),
		&ResultMessage{Type: TypeResult, SessionID: "s1", Subtype: ResultSuccess},
	}

	updates := ExtractTodoUpdates(msgs)
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	u := updates[0]
	if u.SessionID != "s1" || u.MessageID != "m1" {
		t.Errorf("unexpected identity: %+v", u)
	}
	if len(u.Todos) != 2 || u.Todos[0].Content != "write tests" || u.Todos[1].Status != "pending" {
		t.Errorf("unexpected todos: %+v", u.Todos)
	}
	if u.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestExtractTodoUpdates_InvalidShapeSkipped(t *testing.T) {
	msgs := []Message{
		assistantWithTool("s1", "m1", toolTodoWrite, map[string]any{"todos": "not a list"}),
		assistantWithTool("s1", "m2", toolTodoWrite, map[string]any{
			"todos": []any{map[string]any{"content": 42, "status": "pending"}},
		}),
		assistantWithTool("s1", "m3", "OtherTool", map[string]any{"todos": []any{}}),
	}
	if updates := ExtractTodoUpdates(msgs); len(updates) != 0 {
		t.Fatalf("expected 0 updates, got %d", len(updates))
	}
}

func TestExtractPlanUpdates(t *testing.T) {
	msgs := []Message{
		assistantWithTool("s1", "m1", toolExitPlanMode, map[string]any{"plan": "step 1\nstep 2"}),
		assistantWithTool("s1", "m2", toolWrite, map[string]any{
			"file_path": "/work/plans/refactor.md",
			"content":   "# Refactor",
		}),
		assistantWithTool("s1", "m3", toolWrite, map[string]any{
			"file_path": "/work/notes/todo.md",
			"content":   "not a plan",
		}),
	}

	updates := ExtractPlanUpdates(msgs)
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0].Source != "exit_plan_mode" || updates[0].Plan != "step 1\nstep 2" {
		t.Errorf("unexpected first update: %+v", updates[0])
	}
	if updates[1].Source != "plan_file" || updates[1].Path != "/work/plans/refactor.md" {
		t.Errorf("unexpected second update: %+v", updates[1])
	}
}

func TestIsPlanFile(t *testing.T) {
	cases := map[string]bool{
		"/work/plans/a.md":        true,
		"plans/a.md":              true,
		"/work/plans/nested/a.md": false,
		"/work/plans/a.txt":       false,
		"/work/a.md":              false,
		"":                        false,
	}
	for p, want := range cases {
		if got := IsPlanFile(p); got != want {
			t.Errorf("IsPlanFile(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestExtractResult_LastWins(t *testing.T) {
	first := &ResultMessage{Type: TypeResult, SessionID: "s1", Subtype: ResultSuccess}
	second := &ResultMessage{Type: TypeResult, SessionID: "s1", Subtype: ResultErrorMaxTurns, IsError: true}
	msgs := []Message{first, &SystemMessage{Type: TypeSystem, SessionID: "s1", Subtype: SubtypeInit}, second}

	if got := ExtractResult(msgs); got != second {
		t.Fatalf("expected last result message, got %+v", got)
	}
	if !IsComplete(msgs) {
		t.Error("expected IsComplete true")
	}
	if !HasError(msgs) {
		t.Error("expected HasError true")
	}
}

func TestExtractResult_None(t *testing.T) {
	msgs := []Message{&SystemMessage{Type: TypeSystem, SessionID: "s1", Subtype: SubtypeInit}}
	if ExtractResult(msgs) != nil {
		t.Error("expected nil result")
	}
	if IsComplete(msgs) || HasError(msgs) {
		t.Error("expected incomplete, error-free projection")
	}
}

func TestUserLine(t *testing.T) {
	line := UserLine("hello")
	want := `{"message":{"content":"hello","role":"user"},"type":"user"}` + "\n"
	if string(line) != want {
		t.Errorf("UserLine = %q, want %q", line, want)
	}
}
