package mirage

import "context"

// Store abstracts durable chat persistence. All mutating calls are durable
// before they return, and all operations serialize through a single writer,
// so callers never observe torn state.
//
// Implementations: store/sqlite (default, single local file) and
// store/postgres (shared deployments).
type Store interface {
	// List returns all chats, newest first, without message logs.
	List(ctx context.Context) ([]ChatSummary, error)
	// Get returns the full chat record, or ErrNotFound.
	Get(ctx context.Context, id string) (Chat, error)
	// Create inserts a chat with an empty message log and the current
	// timestamp. Callers generate fresh ids; creating an existing id fails.
	Create(ctx context.Context, id, title string) (Chat, error)
	// SaveMessages replaces the entire message log. No-op if id is absent.
	SaveMessages(ctx context.Context, id string, messages []Message) error
	// UpdateTitle replaces the title. No-op if id is absent.
	UpdateTitle(ctx context.Context, id, title string) error
	// Delete removes the chat. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
	// Close releases the backing file or pool.
	Close() error
}
