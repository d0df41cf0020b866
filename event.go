package mirage

import "encoding/json"

// Event types broadcast by a Session to its subscribers. Every event of the
// current turn is appended to the session's replay buffer before delivery, so
// subscribers attaching mid-turn see the full turn in original order.
const (
	// EventConnected is written once by the HTTP layer when a subscriber
	// attaches. It never enters the replay buffer.
	EventConnected = "connected"
	// EventUserMessage opens a turn and carries the user's text in Content.
	EventUserMessage = "user-message"
	// EventTextDelta carries an incremental assistant text chunk in Text.
	EventTextDelta = "text-delta"
	// EventToolCall announces a fully assembled tool call. Input holds the
	// JSON-decoded arguments, or {"raw": "<text>"} when they do not parse.
	EventToolCall = "tool-call"
	// EventToolResult carries the executor result for one tool call in Output.
	EventToolResult = "tool-result"
	// EventError ends a turn abnormally with a reason in Message.
	EventError = "error"
	// EventDone ends a turn normally. Text holds the final assistant text.
	// The HTTP layer renders it as the "[DONE]" sentinel, not as JSON.
	EventDone = "done"
)

// Event is one item in a session's broadcast stream. Unused fields are
// omitted, so the wire shape matches the event type exactly.
type Event struct {
	Type       string          `json:"type"`
	Content    string          `json:"content,omitempty"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
