package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/nevindra/mirage"
)

func TestBuildBodyRoles(t *testing.T) {
	messages := []mirage.Message{
		mirage.SystemMessage("be helpful"),
		mirage.UserMessage("list files"),
		{Role: "assistant", Content: "on it", ToolCalls: []mirage.ToolCall{
			{ID: "call_1", Name: "execute_command", Arguments: `{"command":"ls"}`},
		}},
		mirage.ToolResultMessage("call_1", `{"success":true,"stdout":"a.txt\n"}`),
		mirage.AssistantMessage("done"),
	}

	body := BuildBody(messages, nil, "gpt-4o-mini")
	if body.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", body.Model)
	}
	if len(body.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(body.Messages))
	}

	asst := body.Messages[2]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant message = %+v", asst)
	}
	tc := asst.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" || tc.Function.Arguments != `{"command":"ls"}` {
		t.Errorf("tool call = %+v, arguments must round-trip verbatim", tc)
	}

	tool := body.Messages[3]
	if tool.Role != "tool" || tool.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestBuildToolDefs(t *testing.T) {
	defs := BuildToolDefs([]mirage.ToolDefinition{
		{Name: "execute_command", Description: "run a command", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "bare", Description: "no schema"},
	})
	if len(defs) != 2 {
		t.Fatalf("got %d defs", len(defs))
	}
	if defs[0].Type != "function" || defs[0].Function.Name != "execute_command" {
		t.Errorf("def[0] = %+v", defs[0])
	}
	if string(defs[1].Function.Parameters) != `{}` {
		t.Errorf("empty parameters = %s, want {}", defs[1].Function.Parameters)
	}
}

func TestBuildBodyOmitsToolsWhenNone(t *testing.T) {
	body := BuildBody([]mirage.Message{mirage.UserMessage("hi")}, nil, "m")
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["tools"]; ok {
		t.Error("tools key present on request without tools")
	}
}
