// Package mirage is the core of a multi-session conversational agent server.
//
// It hosts many concurrent chat sessions. Each session is a single-goroutine
// actor that owns one persistent chat: it drives a streaming OpenAI-compatible
// completions endpoint with tool calling, executes whitelisted shell commands
// in a per-session sandbox directory, and multicasts incremental output to any
// number of subscribers with buffered replay for late joiners.
//
// # Core Interfaces
//
// The root package defines the contracts and the session runtime:
//
//   - [Store] — durable chat persistence (store/sqlite, store/postgres)
//   - [Provider] — streaming LLM backend (provider/openaicompat)
//   - [Tool] — model-invocable capability (sandbox.Tool)
//   - [Session] — per-chat actor running the bounded agent loop
//   - [Registry] — chat-id → live session lookup with lazy spawn
//
// The HTTP/SSE surface lives in cmd/mirage. Sessions are transient: they
// self-terminate after 30 minutes of idleness, removing their work directory,
// and are reconstituted from the Store on the next message.
package mirage
