package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nevindra/mirage"
	"github.com/nevindra/mirage/sandbox"
)

// memStore is an in-memory mirage.Store for handler tests.
type memStore struct {
	mu    sync.Mutex
	chats map[string]mirage.Chat
}

func newMemStore() *memStore { return &memStore{chats: make(map[string]mirage.Chat)} }

func (m *memStore) List(ctx context.Context) ([]mirage.ChatSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mirage.ChatSummary
	for _, c := range m.chats {
		out = append(out, mirage.ChatSummary{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt})
	}
	return out, nil
}

func (m *memStore) Get(ctx context.Context, id string) (mirage.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return mirage.Chat{}, mirage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) Create(ctx context.Context, id, title string) (mirage.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := mirage.Chat{ID: id, Title: title, CreatedAt: mirage.NowUnix()}
	m.chats[id] = c
	return c, nil
}

func (m *memStore) SaveMessages(ctx context.Context, id string, messages []mirage.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chats[id]
	c.Messages = append([]mirage.Message(nil), messages...)
	m.chats[id] = c
	return nil
}

func (m *memStore) UpdateTitle(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chats[id]
	c.Title = title
	m.chats[id] = c
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, id)
	return nil
}

func (m *memStore) Close() error { return nil }

// stubProvider streams a fixed reply.
type stubProvider struct {
	reply string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) ChatStream(ctx context.Context, req mirage.ChatRequest, ch chan<- mirage.StreamEvent) (mirage.ChatResponse, error) {
	for _, chunk := range strings.SplitAfter(p.reply, " ") {
		select {
		case ch <- mirage.StreamEvent{Kind: mirage.StreamText, Content: chunk}:
		case <-ctx.Done():
			close(ch)
			return mirage.ChatResponse{}, ctx.Err()
		}
	}
	close(ch)
	return mirage.ChatResponse{Content: p.reply}, nil
}

func newTestServer(t *testing.T, provider mirage.Provider) (*httptest.Server, *memStore, *mirage.Registry) {
	t.Helper()
	store := newMemStore()
	exec := sandbox.NewExecutor()
	registry := mirage.NewRegistry(mirage.RegistryConfig{
		Store:    store,
		Provider: provider,
		NewTools: func(workDir string) *mirage.ToolRegistry {
			tools := mirage.NewToolRegistry()
			tools.Add(sandbox.NewTool(exec, workDir))
			return tools
		},
		WorkspaceRoot: t.TempDir(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(registry.StopAll)

	srv := httptest.NewServer(newServer(store, registry, t.TempDir(), slog.Default()).routes())
	t.Cleanup(srv.Close)
	return srv, store, registry
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestChatLifecycle(t *testing.T) {
	srv, _, registry := newTestServer(t, &stubProvider{reply: "ok"})

	// Create.
	var created struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	resp := postJSON(t, srv.URL+"/api/chats", map[string]string{"title": "Project"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &created)
	if len(created.ID) != 16 || created.Title != "Project" {
		t.Fatalf("created = %+v", created)
	}
	if !registry.Online(created.ID) {
		t.Error("session not started on create")
	}

	// List shows it online.
	var list struct {
		Chats []chatItem `json:"chats"`
	}
	resp, err := http.Get(srv.URL + "/api/chats")
	if err != nil {
		t.Fatal(err)
	}
	decodeBody(t, resp, &list)
	if len(list.Chats) != 1 || !list.Chats[0].Online {
		t.Errorf("list = %+v", list.Chats)
	}

	// Get.
	resp, err = http.Get(srv.URL + "/api/chats/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		ID       string           `json:"id"`
		Messages []mirage.Message `json:"messages"`
		Online   bool             `json:"online"`
	}
	decodeBody(t, resp, &got)
	if got.ID != created.ID || got.Messages == nil || !got.Online {
		t.Errorf("get = %+v", got)
	}

	// Delete, then 404.
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/chats/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/api/chats/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestGetUnknownChat(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubProvider{})
	resp, err := http.Get(srv.URL + "/api/chats/doesnotexist00")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// readSSE collects data frames until the [DONE] sentinel or EOF.
func readSSE(t *testing.T, body io.Reader) []string {
	t.Helper()
	var frames []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		frames = append(frames, data)
		if data == "[DONE]" {
			return frames
		}
	}
	return frames
}

func TestSendMessageStreamsTurn(t *testing.T) {
	srv, store, _ := newTestServer(t, &stubProvider{reply: "hello from the model"})

	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, postJSON(t, srv.URL+"/api/chats", nil), &created)

	resp := postJSON(t, srv.URL+"/api/chats/"+created.ID+"/messages", map[string]string{"content": "hi"})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	frames := readSSE(t, resp.Body)
	if len(frames) < 3 {
		t.Fatalf("frames = %v", frames)
	}
	if frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("stream not terminated by sentinel: %v", frames)
	}

	var first mirage.Event
	if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
		t.Fatalf("first frame %q: %v", frames[0], err)
	}
	if first.Type != mirage.EventUserMessage || first.Content != "hi" {
		t.Errorf("first frame = %+v", first)
	}

	var text strings.Builder
	for _, f := range frames[1 : len(frames)-1] {
		var ev mirage.Event
		if err := json.Unmarshal([]byte(f), &ev); err != nil {
			t.Fatalf("frame %q: %v", f, err)
		}
		if ev.Type == mirage.EventTextDelta {
			text.WriteString(ev.Text)
		}
	}
	if text.String() != "hello from the model" {
		t.Errorf("streamed text = %q", text.String())
	}

	chat, err := store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chat.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(chat.Messages))
	}
}

func TestSendMessageEmptyContentRunsTurn(t *testing.T) {
	srv, store, _ := newTestServer(t, &stubProvider{reply: "still answered"})
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, postJSON(t, srv.URL+"/api/chats", nil), &created)

	// An empty message is a valid turn; the model still gets to respond.
	resp := postJSON(t, srv.URL+"/api/chats/"+created.ID+"/messages", map[string]string{"content": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	frames := readSSE(t, resp.Body)
	if len(frames) < 2 || frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("frames = %v, want a full turn ending in the sentinel", frames)
	}
	var first mirage.Event
	if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
		t.Fatalf("first frame %q: %v", frames[0], err)
	}
	if first.Type != mirage.EventUserMessage || first.Content != "" {
		t.Errorf("first frame = %+v, want empty user-message", first)
	}

	chat, err := store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chat.Messages) != 2 {
		t.Errorf("persisted %d messages, want user + assistant", len(chat.Messages))
	}
	// The title bootstrap has nothing to work with and must leave the default.
	if chat.Title != mirage.DefaultTitle {
		t.Errorf("title = %q, want %q", chat.Title, mirage.DefaultTitle)
	}
}

func TestSSEWriterInterruptedStream(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, ok := startSSE(rec)
	if !ok {
		t.Fatal("recorder does not flush")
	}
	sse.event(mirage.Event{Type: mirage.EventError, Message: "stream interrupted"})

	body := rec.Body.String()
	if !strings.Contains(body, `"type":"error"`) || !strings.Contains(body, "stream interrupted") {
		t.Errorf("no error frame before sentinel: %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream not closed out with sentinel: %q", body)
	}
}

func TestSubscribeConnectedFrame(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubProvider{reply: "ok"})
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, postJSON(t, srv.URL+"/api/chats", nil), &created)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/chats/"+created.ID+"/subscribe", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != `data: {"type":"connected"}` {
		t.Errorf("first frame = %q", line)
	}
	cancel()
}

func TestUploadInjectsFileContext(t *testing.T) {
	srv, store, registry := newTestServer(t, &stubProvider{reply: "ok"})
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, postJSON(t, srv.URL+"/api/chats", nil), &created)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.md")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(fw, "# Notes\n\nHello upload.\n")
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/chats/"+created.ID+"/files", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	var uploaded struct {
		Success  bool   `json:"success"`
		Filename string `json:"filename"`
		Path     string `json:"path"`
	}
	decodeBody(t, resp, &uploaded)
	if !uploaded.Success || uploaded.Filename != "notes.md" {
		t.Fatalf("upload response = %+v", uploaded)
	}

	sess := registry.Get(created.ID)
	if sess == nil {
		t.Fatal("session gone")
	}
	if _, err := os.Stat(filepath.Join(sess.WorkDir(), "notes.md")); err != nil {
		t.Errorf("uploaded file missing from work dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sess.WorkDir(), "notes.txt")); err != nil {
		t.Errorf("text companion missing: %v", err)
	}

	chat, err := store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chat.Messages) == 0 || !strings.Contains(chat.Messages[0].Content, "notes.md") {
		t.Errorf("file context message not persisted: %+v", chat.Messages)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubProvider{})
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/chats", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
