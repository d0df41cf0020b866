package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nevindra/mirage"
	"github.com/nevindra/mirage/ingest"
)

const (
	maxUploadBytes    = 32 << 20 // 32MB
	heartbeatInterval = 30 * time.Second
)

// server holds the HTTP surface's collaborators.
type server struct {
	store     mirage.Store
	registry  *mirage.Registry
	staticDir string
	logger    *slog.Logger
}

func newServer(store mirage.Store, registry *mirage.Registry, staticDir string, logger *slog.Logger) *server {
	return &server{store: store, registry: registry, staticDir: staticDir, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chats", s.handleList)
	mux.HandleFunc("POST /api/chats", s.handleCreate)
	mux.HandleFunc("GET /api/chats/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/chats/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/chats/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /api/chats/{id}/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /api/chats/{id}/files", s.handleUpload)
	mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	return cors(mux)
}

// chatItem is one entry in the list response.
type chatItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	Online    bool   `json:"online"`
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]chatItem, 0, len(chats))
	for _, c := range chats {
		items = append(items, chatItem{
			ID:        c.ID,
			Title:     c.Title,
			CreatedAt: c.CreatedAt,
			Online:    s.registry.Online(c.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": items})
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	// An empty body is fine; title defaults.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	title := req.Title
	if title == "" {
		title = mirage.DefaultTitle
	}

	id := mirage.NewID()
	if _, err := s.store.Create(r.Context(), id, title); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.registry.GetOrStart(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "title": title})
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Prefer the live session's cached state; fall back to the store.
	var chat mirage.Chat
	online := false
	if sess := s.registry.Get(id); sess != nil {
		if c, ok := sess.State(); ok {
			chat, online = c, true
		}
	}
	if !online {
		c, err := s.store.Get(r.Context(), id)
		if errors.Is(err, mirage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		chat = c
	}

	messages := chat.Messages
	if messages == nil {
		messages = []mirage.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       chat.ID,
		"title":    chat.Title,
		"messages": messages,
		"online":   online,
	})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Session stop is best-effort; the record goes regardless.
	s.registry.Stop(id)
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSendMessage posts a user message and streams the resulting turn as
// SSE, terminated by the [DONE] sentinel.
func (s *server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, err := s.registry.GetOrStart(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub := mirage.NewSubscriber(r.Context().Done())
	if !sess.SendMessage(req.Content, sub) {
		// Terminated between lookup and send; the next request spawns a
		// fresh session from the store.
		writeError(w, http.StatusServiceUnavailable, "session terminated, retry")
		return
	}

	sse, ok := startSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	for {
		select {
		case ev, open := <-sub.Ch:
			if !open {
				// The session dropped this subscriber (or terminated)
				// mid-turn; say so instead of faking a clean end.
				sse.event(mirage.Event{Type: mirage.EventError, Message: "stream interrupted"})
				return
			}
			if terminal := sse.event(ev); terminal {
				sess.Unsubscribe(sub.ID)
				return
			}
		case <-r.Context().Done():
			sess.Unsubscribe(sub.ID)
			return
		}
	}
}

// handleSubscribe opens a long-lived SSE stream that observes every
// subsequent turn, with 30-second heartbeat comments.
func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.registry.GetOrStart(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sse, ok := startSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sse.raw(`data: {"type":"connected"}` + "\n\n")

	sub := mirage.NewSubscriber(r.Context().Done())
	if !sess.Subscribe(sub) {
		return
	}
	defer sess.Unsubscribe(sub.ID)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-sub.Ch:
			if !open {
				return
			}
			sse.event(ev)
		case <-heartbeat.C:
			sse.raw(": heartbeat\n\n")
		case <-r.Context().Done():
			return
		}
	}
}

// handleUpload saves a multipart file into the session's work directory,
// converts it to a plain-text companion when possible, and injects a
// file-context message so the model knows the file is there.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.registry.GetOrStart(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == "/" || name == "" {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	dst := filepath.Join(sess.WorkDir(), name)
	out, err := os.Create(dst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "save file: "+err.Error())
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		writeError(w, http.StatusInternalServerError, "save file: "+err.Error())
		return
	}
	out.Close()

	if err := sess.AddFileContext(name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Conversion is best-effort: a binary format the extractors cannot handle
	// still leaves the original in place for the model to poke at.
	if companion, err := ingest.ConvertFile(dst); err != nil {
		s.logger.Warn("upload conversion failed", "chat", id, "file", name, "error", err)
	} else if companion != "" {
		if err := sess.AddFileContext(filepath.Base(companion)); err != nil {
			s.logger.Warn("file context failed", "chat", id, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filename": name,
		"path":     dst,
	})
}

// --- SSE plumbing ---

// sseWriter writes SSE frames and flushes after each one.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, true
}

func (s *sseWriter) raw(frame string) {
	io.WriteString(s.w, frame)
	s.f.Flush()
}

// event writes one broadcast event. Done events become the [DONE] sentinel;
// error events are written as JSON and then closed out with the sentinel.
// Returns true when the event ended a turn.
func (s *sseWriter) event(ev mirage.Event) bool {
	if ev.Type == mirage.EventDone {
		s.sentinel()
		return true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	s.raw(fmt.Sprintf("data: %s\n\n", data))
	if ev.Terminal() {
		s.sentinel()
		return true
	}
	return false
}

func (s *sseWriter) sentinel() {
	s.raw("data: [DONE]\n\n")
}

// --- JSON plumbing ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
