package mirage

import "encoding/json"

// --- Domain types (persisted records) ---

// Chat is a persistent conversation. The entire message log is rewritten on
// each mutation; the Store never appends partially.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"created_at"`
}

// ChatSummary is the listing view of a chat (no message log).
type ChatSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
}

// DefaultTitle is the title assigned to chats created without one. The first
// user message replaces it.
const DefaultTitle = "New Chat"

// Message is a single entry in a chat log, in LLM protocol shape.
// Role is "system", "user", "assistant", or "tool".
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested function invocation. Arguments holds the raw
// JSON string exactly as the model emitted it (it may be malformed), so that
// replaying a chat reproduces model output byte for byte.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// --- LLM protocol types ---

// ChatRequest is a request to a Provider.
type ChatRequest struct {
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ChatResponse is the fully accumulated result of one completion stream.
// ToolCalls contains only calls the model announced with an id.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDefinition describes a callable tool for LLM function calling.
// Parameters is a JSON Schema document.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{Role: "user", Content: text}
}

func SystemMessage(text string) Message {
	return Message{Role: "system", Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) Message {
	return Message{Role: "tool", Content: content, ToolCallID: callID}
}
