package mirage

import "context"

// Provider abstracts the streaming LLM backend.
type Provider interface {
	// ChatStream opens a streaming completion, sends StreamEvents into ch as
	// they arrive, and returns the fully accumulated response. Tool calls are
	// assembled incrementally from the stream; the returned ChatResponse
	// carries them only once assembly is complete. The channel is closed when
	// streaming ends, including on error.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}
