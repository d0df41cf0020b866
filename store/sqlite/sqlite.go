// Package sqlite implements mirage.Store on a single local SQLite file using
// the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nevindra/mirage"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including timing
// and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements mirage.Store backed by a local SQLite file. The message
// log is stored as a JSON column and rewritten whole on each mutation, so a
// record is never observed torn.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ mirage.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath, creating parent
// directories as needed. It opens a single shared connection
// (SetMaxOpenConns(1)) so all goroutines serialize through one writer,
// eliminating SQLITE_BUSY errors from concurrent connections.
func New(dbPath string, opts ...StoreOption) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir %q: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		return nil, fmt.Errorf("sqlite: open driver: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s, nil
}

// Init creates the chats table and configures durability: WAL journaling
// with synchronous=FULL fsyncs every commit before the call returns.
func (s *Store) Init(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=FULL`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		messages TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Close releases the backing file.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}

// List returns all chats, newest first, without message logs.
func (s *Store) List(ctx context.Context) ([]mirage.ChatSummary, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
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
	s.logger.Debug("sqlite: list", "count", len(out), "took", time.Since(start))
	return out, nil
}

// Get returns the full chat record, or mirage.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (mirage.Chat, error) {
	var c mirage.Chat
	var messages string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, messages, created_at FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &messages, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mirage.Chat{}, mirage.ErrNotFound
	}
	if err != nil {
		return mirage.Chat{}, fmt.Errorf("get chat %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(messages), &c.Messages); err != nil {
		return mirage.Chat{}, fmt.Errorf("decode messages for %s: %w", id, err)
	}
	return c, nil
}

// Create inserts a chat with an empty message log and the current timestamp.
func (s *Store) Create(ctx context.Context, id, title string) (mirage.Chat, error) {
	c := mirage.Chat{ID: id, Title: title, CreatedAt: mirage.NowUnix()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, messages, created_at) VALUES (?, ?, '[]', ?)`,
		c.ID, c.Title, c.CreatedAt)
	if err != nil {
		return mirage.Chat{}, fmt.Errorf("create chat %s: %w", id, err)
	}
	s.logger.Debug("sqlite: chat created", "chat", id, "title", title)
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
	_, err = s.db.ExecContext(ctx,
		`UPDATE chats SET messages = ? WHERE id = ?`, string(encoded), id)
	if err != nil {
		return fmt.Errorf("save messages for %s: %w", id, err)
	}
	s.logger.Debug("sqlite: messages saved", "chat", id, "count", len(messages))
	return nil
}

// UpdateTitle replaces the title. No-op if id is absent.
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("update title for %s: %w", id, err)
	}
	return nil
}

// Delete removes the chat. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chat %s: %w", id, err)
	}
	s.logger.Debug("sqlite: chat deleted", "chat", id)
	return nil
}
