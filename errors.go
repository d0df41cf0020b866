package mirage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Store implementations when no chat exists for
// the requested id.
var ErrNotFound = errors.New("chat not found")

// ErrLLM wraps a provider-side failure (marshal, connect, read).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from the completions endpoint. Body carries
// the response text when it could be read.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
