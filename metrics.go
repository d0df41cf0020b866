package mirage

import "time"

// Metrics receives counters from the session runtime. The observer package
// provides an OTEL-backed implementation; when nil, recording is skipped.
type Metrics interface {
	// TurnCompleted is called once per agent turn, however it ended.
	TurnCompleted(chat string, d time.Duration)
	// ToolExecuted is called for every tool invocation within a turn.
	ToolExecuted(tool string)
	// LLMFailed is called when a completion stream ends in an error.
	LLMFailed(provider string)
}
