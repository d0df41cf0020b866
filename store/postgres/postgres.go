// Package postgres implements mirage.Store using PostgreSQL, for deployments
// where the chat log must outlive a single host.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/mirage"
)

// Store implements mirage.Store backed by PostgreSQL. The message log lives
// in a JSONB column and is rewritten whole on each mutation, matching the
// SQLite backend's semantics.
type Store struct {
	pool *pgxpool.Pool
}

var _ mirage.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the chats table. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		messages JSONB NOT NULL DEFAULT '[]',
		created_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create chats table: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// List returns all chats, newest first, without message logs.
func (s *Store) List(ctx context.Context) ([]mirage.ChatSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, created_at FROM chats ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []mirage.ChatSummary
	for rows.Next() {
		var c mirage.ChatSummary
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return out, nil
}

// Get returns the full chat record, or mirage.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (mirage.Chat, error) {
	var c mirage.Chat
	var messages []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, messages, created_at FROM chats WHERE id = $1`, id).
		Scan(&c.ID, &c.Title, &messages, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mirage.Chat{}, mirage.ErrNotFound
	}
	if err != nil {
		return mirage.Chat{}, fmt.Errorf("get chat %s: %w", id, err)
	}
	if err := json.Unmarshal(messages, &c.Messages); err != nil {
		return mirage.Chat{}, fmt.Errorf("decode messages for %s: %w", id, err)
	}
	return c, nil
}

// Create inserts a chat with an empty message log and the current timestamp.
func (s *Store) Create(ctx context.Context, id, title string) (mirage.Chat, error) {
	c := mirage.Chat{ID: id, Title: title, CreatedAt: mirage.NowUnix()}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, title, messages, created_at) VALUES ($1, $2, '[]', $3)`,
		c.ID, c.Title, c.CreatedAt)
	if err != nil {
		return mirage.Chat{}, fmt.Errorf("create chat %s: %w", id, err)
	}
	return c, nil
}

// SaveMessages replaces the entire message log. No-op if id is absent.
func (s *Store) SaveMessages(ctx context.Context, id string, messages []mirage.Message) error {
	if messages == nil {
		messages = []mirage.Message{}
	}
	encoded, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode messages for %s: %w", id, err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE chats SET messages = $1 WHERE id = $2`, encoded, id)
	if err != nil {
		return fmt.Errorf("save messages for %s: %w", id, err)
	}
	return nil
}

// UpdateTitle replaces the title. No-op if id is absent.
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chats SET title = $1 WHERE id = $2`, title, id)
	if err != nil {
		return fmt.Errorf("update title for %s: %w", id, err)
	}
	return nil
}

// Delete removes the chat. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete chat %s: %w", id, err)
	}
	return nil
}
