package mirage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// RegistryConfig carries the collaborators every session needs.
type RegistryConfig struct {
	Store    Store
	Provider Provider
	// NewTools builds the tool registry for a session, bound to its work
	// directory. Nil means sessions run without tools.
	NewTools func(workDir string) *ToolRegistry
	// SystemPrompt overrides DefaultSystemPrompt when non-empty.
	SystemPrompt string
	// WorkspaceRoot is the parent for per-session work directories.
	WorkspaceRoot string
	// IdleTTL overrides DefaultIdleTTL when positive.
	IdleTTL time.Duration
	Logger  *slog.Logger
	Tracer  Tracer
	Metrics Metrics
}

// Registry maps chat ids to live sessions and enforces that each chat has at
// most one. Sessions are spawned lazily from the Store and removed when they
// terminate. Crashed sessions are not restarted: state on disk is intact and
// the next request reconstitutes a fresh one.
type Registry struct {
	cfg      RegistryConfig
	logger   *slog.Logger
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// GetOrStart returns the live session for id, spawning one from the Store if
// needed. When the Store has no record, one is created with title "Chat <id>".
func (r *Registry) GetOrStart(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, nil
	}

	chat, err := r.cfg.Store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		chat, err = r.cfg.Store.Create(ctx, id, "Chat "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", id, err)
	}

	workDir, err := r.makeWorkDir(id)
	if err != nil {
		return nil, err
	}

	s := newSession(chat, workDir, r.cfg, r.remove)
	r.sessions[id] = s
	go s.run()
	r.logger.Debug("session started", "chat", id, "work_dir", workDir)
	return s, nil
}

// Get returns the live session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Online reports whether a session is currently live for id.
func (r *Registry) Online(id string) bool {
	return r.Get(id) != nil
}

// Stop terminates the session for id, if live, and waits for its cleanup.
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if s != nil {
		s.Stop()
		<-s.Done()
	}
}

// StopAll terminates every live session. Used on server shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Stop()
	}
	for _, s := range all {
		<-s.Done()
	}
}

// remove is the session termination callback. It only evicts the entry when
// it still belongs to the terminating session: after an explicit Stop, a
// fresh session may already occupy the slot before the old one finishes
// shutting down, and that one must survive.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
}

// makeWorkDir creates a fresh, uniquely suffixed directory for one session.
func (r *Registry) makeWorkDir(id string) (string, error) {
	root := r.cfg.WorkspaceRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return "", fmt.Errorf("create workspace root %q: %w", root, err)
	}
	dir, err := os.MkdirTemp(root, id+"-")
	if err != nil {
		return "", fmt.Errorf("create work dir for %s: %w", id, err)
	}
	return dir, nil
}
