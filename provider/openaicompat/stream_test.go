package openaicompat

import (
	"context"
	"strings"
	"testing"

	"github.com/nevindra/mirage"
)

// buildSSE joins raw payloads into an SSE body, one data frame per payload,
// terminated by the [DONE] sentinel.
func buildSSE(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: " + p + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

// runStream drives StreamSSE and collects its events.
func runStream(t *testing.T, body string) (mirage.ChatResponse, []mirage.StreamEvent, error) {
	t.Helper()
	ch := make(chan mirage.StreamEvent, 64)
	var events []mirage.StreamEvent
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range ch {
			events = append(events, ev)
		}
	}()
	resp, err := StreamSSE(context.Background(), strings.NewReader(body), ch)
	<-drained
	return resp, events, err
}

func TestStreamTextDeltas(t *testing.T) {
	body := buildSSE(
		`{"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
	)
	resp, events, err := runStream(t, body)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	if resp.Content != "Hello" {
		t.Errorf("accumulated content = %q, want %q", resp.Content, "Hello")
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	for _, ev := range events {
		if ev.Kind != mirage.StreamText {
			t.Errorf("event kind = %q, want text", ev.Kind)
		}
	}
	if events[0].Content+events[1].Content != "Hello" {
		t.Errorf("event contents = %q + %q", events[0].Content, events[1].Content)
	}
}

func TestStreamToolCallAssembly(t *testing.T) {
	body := buildSSE(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"execute_command","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"comm"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"and\":\"ls\"}"}}]}}]}`,
	)
	resp, events, err := runStream(t, body)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("assembled %d tool calls, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Name != "execute_command" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments != `{"command":"ls"}` {
		t.Errorf("arguments = %q, want byte-exact concatenation", tc.Arguments)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Kind != mirage.StreamToolCall || events[0].ID != "call_abc" || events[0].Name != "execute_command" {
		t.Errorf("start event = %+v", events[0])
	}
	for _, ev := range events[1:] {
		if ev.Kind != mirage.StreamToolCallDelta || ev.Index != 0 {
			t.Errorf("delta event = %+v", ev)
		}
	}
}

func TestStreamParallelToolCalls(t *testing.T) {
	body := buildSSE(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"a","function":{"name":"echo","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"b","function":{"name":"echo","arguments":"{\"x\":1}"}}]}}]}`,
	)
	resp, _, err := runStream(t, body)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("assembled %d tool calls, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "a" || resp.ToolCalls[1].ID != "b" {
		t.Errorf("tool calls out of index order: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[1].Arguments != `{"x":1}` {
		t.Errorf("second call arguments = %q", resp.ToolCalls[1].Arguments)
	}
}

func TestStreamInvalidArgumentsKeptVerbatim(t *testing.T) {
	body := buildSSE(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c","function":{"name":"echo","arguments":"not json at all"}}]}}]}`,
	)
	resp, _, err := runStream(t, body)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	if got := resp.ToolCalls[0].Arguments; got != "not json at all" {
		t.Errorf("arguments = %q, malformed text must pass through untouched", got)
	}
}

func TestStreamSkipsMalformedAndNoise(t *testing.T) {
	body := "event: ping\n\n" +
		"data: {this is not json}\n\n" +
		"data: \n\n" +
		": comment line\n\n" +
		buildSSE(`{"choices":[{"delta":{"content":"ok"}}]}`)
	resp, events, err := runStream(t, body)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	if resp.Content != "ok" || len(events) != 1 {
		t.Errorf("content = %q, events = %+v", resp.Content, events)
	}
}

func TestStreamStopsAtSentinel(t *testing.T) {
	body := buildSSE(`{"choices":[{"delta":{"content":"before"}}]}`) +
		"data: {\"choices\":[{\"delta\":{\"content\":\"after\"}}]}\n\n"
	resp, _, err := runStream(t, body)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	if resp.Content != "before" {
		t.Errorf("content = %q, frames after [DONE] must be ignored", resp.Content)
	}
}

func TestStreamMixedTextAndToolCall(t *testing.T) {
	body := buildSSE(
		`{"choices":[{"delta":{"content":"Let me check. "}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"d","function":{"name":"execute_command","arguments":"{\"command\":\"pwd\"}"}}]}}]}`,
	)
	resp, _, err := runStream(t, body)
	if err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}
	if resp.Content != "Let me check. " {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "execute_command" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}
