package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/mirage"
)

// StreamSSE reads an SSE stream from body, sends typed events to ch, and
// returns the fully accumulated response (content + assembled tool calls).
//
// The channel is closed when streaming completes. Callers should read from ch
// in a separate goroutine. The context is used to cancel channel sends if the
// consumer is no longer interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
//
// Tool calls stream incrementally: a start frame carries the id and name, and
// argument text arrives as string fragments keyed by index. Arguments are
// accumulated verbatim, never normalized, so the conversation log replays
// model output byte for byte.
//
// On a read error the response assembled so far is returned alongside the
// error; callers decide whether a partial result is usable.
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- mirage.StreamEvent) (mirage.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder

	// Accumulate tool calls across chunks, keyed by index.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	assemble := func() mirage.ChatResponse {
		var out []mirage.ToolCall
		for i := range toolCalls {
			out = append(out, mirage.ToolCall{
				ID:        toolCalls[i].ID,
				Name:      toolCalls[i].Name,
				Arguments: toolCalls[i].Args.String(),
			})
		}
		return mirage.ChatResponse{
			Content:   fullContent.String(),
			ToolCalls: out,
		}
	}

	send := func(ev mirage.StreamEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}
		if data == "" {
			continue
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			if err := send(mirage.StreamEvent{Kind: mirage.StreamText, Content: delta.Content}); err != nil {
				return assemble(), err
			}
		}

		for _, tc := range delta.ToolCalls {
			// Ensure we have a slot for this tool call index.
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}

			switch {
			case tc.ID != "":
				// Start frame: id (and usually name) first appear here.
				toolCalls[idx].ID = tc.ID
				if tc.Function.Name != "" {
					toolCalls[idx].Name = tc.Function.Name
				}
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
				if err := send(mirage.StreamEvent{
					Kind:    mirage.StreamToolCall,
					Index:   idx,
					ID:      tc.ID,
					Name:    tc.Function.Name,
					Content: tc.Function.Arguments,
				}); err != nil {
					return assemble(), err
				}
			case tc.Function.Arguments != "":
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
				if err := send(mirage.StreamEvent{
					Kind:    mirage.StreamToolCallDelta,
					Index:   idx,
					Content: tc.Function.Arguments,
				}); err != nil {
					return assemble(), err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return assemble(), err
	}
	return assemble(), nil
}
