package mirage

// StreamEventKind identifies the kind of event emitted by a Provider stream.
type StreamEventKind string

const (
	// StreamText carries an incremental text chunk from the LLM.
	StreamText StreamEventKind = "text"
	// StreamToolCall announces a new tool call, emitted once when the remote
	// delta first carries an id for it. Arguments may be empty at this point.
	StreamToolCall StreamEventKind = "tool-call"
	// StreamToolCallDelta carries incremental argument text for an
	// already-announced tool call, linked by Index.
	StreamToolCallDelta StreamEventKind = "tool-call-delta"
)

// StreamEvent is a typed event emitted while a completion streams.
// Consumers receive these on the channel passed to Provider.ChatStream.
type StreamEvent struct {
	Kind StreamEventKind
	// Index links tool-call-delta events to the announced call.
	Index int
	// ID and Name are set for tool-call events.
	ID   string
	Name string
	// Content carries the text delta (text) or argument fragment
	// (tool-call, tool-call-delta).
	Content string
}
