package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nevindra/mirage"
)

// DefaultIdleTimeout aborts a stream after this long without a single byte
// from the remote.
const DefaultIdleTimeout = 30 * time.Second

// Provider implements mirage.Provider for any OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, Groq, Together, DeepSeek, Mistral, Ollama,
// vLLM, and any other endpoint that implements the chat completions API.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	client      *http.Client
	name        string
	idleTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name reported by Name().
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Provider) { p.idleTimeout = d }
}

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       model,
		baseURL:     baseURL,
		client:      &http.Client{},
		name:        "openai",
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// ChatStream opens a streaming completion and parses it via StreamSSE.
// The channel is closed when streaming completes or on error. A stream that
// goes idle for the idle timeout is terminated; what was assembled by then
// (text or completed tool calls) is returned as a normal completion, and an
// ErrLLM is surfaced only when nothing was produced.
func (p *Provider) ChatStream(ctx context.Context, req mirage.ChatRequest, ch chan<- mirage.StreamEvent) (mirage.ChatResponse, error) {
	if p.apiKey == "" {
		close(ch)
		return mirage.ChatResponse{}, &mirage.ErrLLM{Provider: p.name, Message: "missing API key (set OPENAI_API_KEY)"}
	}

	body := BuildBody(req.Messages, req.Tools, p.model)
	body.Stream = true

	// The watchdog cancels the request context when the body goes quiet.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var idleFired atomic.Bool

	resp, err := p.sendHTTP(reqCtx, body)
	if err != nil {
		close(ch)
		return mirage.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return mirage.ChatResponse{}, p.httpErr(resp)
	}

	watchdog := time.AfterFunc(p.idleTimeout, func() {
		idleFired.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	// StreamSSE closes ch when done and returns whatever it assembled even
	// when the read fails partway.
	out, err := StreamSSE(ctx, &idleResetReader{r: resp.Body, timer: watchdog, d: p.idleTimeout}, ch)
	if err != nil {
		if idleFired.Load() {
			if out.Content != "" || hasCompletedCall(out.ToolCalls) {
				if p.logger != nil {
					p.logger.Warn("stream went idle, keeping partial result",
						"idle", p.idleTimeout, "content_len", len(out.Content), "tool_calls", len(out.ToolCalls))
				}
				return out, nil
			}
			return mirage.ChatResponse{}, &mirage.ErrLLM{
				Provider: p.name,
				Message:  fmt.Sprintf("stream idle for %s, aborted", p.idleTimeout),
			}
		}
		return mirage.ChatResponse{}, &mirage.ErrLLM{Provider: p.name, Message: "read stream: " + err.Error()}
	}
	return out, nil
}

// hasCompletedCall reports whether any tool call received its start frame.
func hasCompletedCall(calls []mirage.ToolCall) bool {
	for _, tc := range calls {
		if tc.ID != "" {
			return true
		}
	}
	return false
}

// sendHTTP marshals the request body and posts it to the completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &mirage.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &mirage.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	if p.logger != nil {
		p.logger.Debug("llm request", "model", p.model, "messages", len(body.Messages), "tools", len(body.Tools))
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &mirage.ErrLLM{Provider: p.name, Message: "connect: " + err.Error()}
	}
	return resp, nil
}

// httpErr reads the response body and returns an ErrHTTP with its text.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	return &mirage.ErrHTTP{
		Status: resp.StatusCode,
		Body:   string(body),
	}
}

// idleResetReader re-arms the watchdog on every successful read, so the
// timeout measures inactivity rather than total stream duration.
type idleResetReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func (ir *idleResetReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.d)
	}
	return n, err
}

// Compile-time interface check.
var _ mirage.Provider = (*Provider)(nil)
